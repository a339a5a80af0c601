package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// writeTimeout bounds a single outbound WebSocket write.
const writeTimeout = 10 * time.Second

type streamKey struct {
	sessionID    string
	activityUUID string
}

type managedStream struct {
	stream *Stream
	cancel context.CancelFunc
}

// Manager multiplexes the node's live streams: it owns the node-side
// WebSocket endpoint the gateway splices into, the ownership claims in
// the connection registry, and local delivery for the fanout consumer.
type Manager struct {
	deps     Deps
	registry *kv.ConnectionRegistry
	logger   *zap.Logger

	mu      sync.RWMutex
	streams map[streamKey]*managedStream
}

// NewManager creates an empty manager.
func NewManager(deps Deps, registry *kv.ConnectionRegistry) *Manager {
	deps.defaults()
	return &Manager{
		deps:     deps,
		registry: registry,
		logger:   deps.Logger.Named("session"),
	}
}

func (m *Manager) ensureMap() {
	if m.streams == nil {
		m.streams = make(map[streamKey]*managedStream)
	}
}

// HandleWS is the echo handler for the node-side stream endpoint
// (/ws/:session_id/:activity_uuid). The gateway has already
// authenticated the client; this side owns the stream lifecycle.
func (m *Manager) HandleWS(c echo.Context) error {
	sessionID := c.Param("session_id")
	activityUUID := c.Param("activity_uuid")
	if sessionID == "" || activityUUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and activity_uuid required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("accepting stream socket: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	stream := NewStream(sessionID, activityUUID, m.deps)
	key := streamKey{sessionID, activityUUID}

	// At most one live stream per (session, activity) on this node; a
	// reconnect supersedes the old stream.
	m.mu.Lock()
	m.ensureMap()
	if old, ok := m.streams[key]; ok {
		old.cancel()
	}
	m.streams[key] = &managedStream{stream: stream, cancel: cancel}
	m.mu.Unlock()
	m.deps.Metrics.ActiveStreams.Inc()

	if err := m.registry.Claim(ctx, sessionID, activityUUID); err != nil {
		m.logger.Warn("claiming stream ownership", zap.Error(err))
	}

	defer m.teardown(sessionID, activityUUID, key, stream)

	go stream.Run(ctx)

	// Writer: outbound payloads to the socket with a bounded write
	// timeout so a stalled peer cannot wedge the stream.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for out := range stream.Outbound() {
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, out.Data)
			wcancel()
			if err != nil {
				m.logger.Debug("stream write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	// Reader: inbound text frames into the stream's bounded channel.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		stream.Enqueue(data)
	}

	stream.CloseInput()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (m *Manager) teardown(sessionID, activityUUID string, key streamKey, stream *Stream) {
	m.mu.Lock()
	if cur, ok := m.streams[key]; ok && cur.stream == stream {
		delete(m.streams, key)
	}
	m.mu.Unlock()
	m.deps.Metrics.ActiveStreams.Dec()

	// Teardown outlives the request context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.registry.Release(ctx, sessionID, activityUUID); err != nil {
		m.logger.Warn("releasing stream ownership", zap.Error(err))
	}

	closed := wire.StreamClosedEvent{
		SessionID:    sessionID,
		ActivityUUID: activityUUID,
		UserID:       stream.UserID,
		ClosedAt:     time.Now().UTC(),
		Reason:       "disconnect",
	}
	if err := m.deps.Publisher.Publish(ctx, wire.SubjectStreamEvents, closed); err != nil {
		m.deps.Metrics.PublishFailures.WithLabelValues(wire.SubjectStreamEvents).Inc()
		m.logger.Warn("publishing stream-closed event", zap.Error(err))
	}

	m.logger.Info("stream closed",
		zap.String("session_id", sessionID),
		zap.String("activity_uuid", activityUUID))
}

// Find returns the live stream for a (session, activity) pair.
func (m *Manager) Find(sessionID, activityUUID string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.streams[streamKey{sessionID, activityUUID}]
	if !ok {
		return nil, false
	}
	return ms.stream, true
}

// DeliverLocal pushes a resolved recommendation to the owning stream on
// this node. Returns false when the stream is gone or backed up.
func (m *Manager) DeliverLocal(rec *wire.Recommendation) bool {
	stream, ok := m.Find(rec.SessionID, rec.ActivityUUID)
	if !ok {
		return false
	}
	return stream.Deliver(wire.Encode(rec))
}

// HandleActivityEvent applies activity lifecycle changes from the
// session service to the affected streams.
func (m *Manager) HandleActivityEvent(ev *wire.ActivityEvent) {
	m.mu.RLock()
	var matches []*managedStream
	for key, ms := range m.streams {
		if key.activityUUID == ev.ActivityUUID {
			matches = append(matches, ms)
		}
	}
	m.mu.RUnlock()

	for _, ms := range matches {
		switch ev.Event {
		case "paused":
			ms.stream.SetPaused(true)
		case "resumed":
			ms.stream.SetPaused(false)
		case "completed":
			ms.cancel()
		default:
			m.logger.Warn("unknown activity event", zap.String("event", ev.Event))
		}
	}
}

// Shutdown cancels every live stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ms := range m.streams {
		ms.cancel()
	}
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
