package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/classifier"
	"github.com/mindstreamlabs/cognitived/internal/cluster"
	"github.com/mindstreamlabs/cognitived/internal/feature"
	"github.com/mindstreamlabs/cognitived/internal/policy"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// State is the stream lifecycle state. Transitions are monotone except
// the WARMING loop-back on activity change; CLOSED is terminal.
type State int

const (
	StateConnected State = iota
	StateReady
	StateWarming
	StateInferring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateWarming:
		return "warming"
	case StateInferring:
		return "inferring"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// inboundCap bounds the per-stream frame channel; frames beyond it are
// dropped with a counter increment.
const inboundCap = 64

// Recorder is the slice of the store the stream writes on emit.
type Recorder interface {
	InsertIntervention(ctx context.Context, iv *store.Intervention) error
	InsertSample(ctx context.Context, ts *store.TrainingSample) error
}

// Publisher is the slice of the broker the stream publishes on.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ContextSaver persists session contexts across failover.
type ContextSaver interface {
	Save(ctx context.Context, sessionID, activityUUID string, sc *policy.SessionContext) error
	Load(ctx context.Context, sessionID, activityUUID string) (*policy.SessionContext, bool, error)
}

// Deps are the stream's collaborators, shared across all streams on a
// node.
type Deps struct {
	Classifier classifier.Classifier
	Engine     *policy.Engine
	Detector   *cluster.Detector
	Store      Recorder
	Publisher  Publisher
	Contexts   ContextSaver
	Flags      FlagSource // nil keeps all channels enabled
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger

	SequenceLength      int
	ConfidenceThreshold float64
	NegativeSampleRate  float64

	// Backpressure advertises the gateway limits in the handshake ack.
	Backpressure wire.BackpressureConfig

	// Rand drives negative sampling; injectable for tests.
	Rand *rand.Rand
	// Now is the clock; injectable for tests.
	Now func() time.Time
}

func (d *Deps) defaults() {
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// PostView is the stream's published state consumed by the effectiveness
// evaluator and by telemetry. It is copied out under a lock so the run
// loop never blocks on readers.
type PostView struct {
	State     string
	Stability float64
	Attention float64
	Negative  float64
	BufferLen int
	UpdatedAt time.Time
}

// Outbound is a payload queued for delivery to the client.
type Outbound struct {
	Data []byte
}

// Stream is one live inference session. All frame processing happens in
// the owning goroutine; only the view and the outbound channel cross it.
type Stream struct {
	StreamID     string
	SessionID    string
	ActivityUUID string
	UserID       int64
	TenantID     string

	deps   Deps
	flags  wire.SessionConfig
	buffer *FrameBuffer
	sctx   *policy.SessionContext
	track  *cluster.Tracker

	state  State
	paused bool

	inbound  chan []byte
	outbound chan Outbound

	mu          sync.Mutex
	view        PostView
	ineffective atomic.Int32

	logger *zap.Logger
}

// NewStream creates a stream in CONNECTED state. The handshake frame
// moves it to READY.
func NewStream(sessionID, activityUUID string, deps Deps) *Stream {
	deps.defaults()
	s := &Stream{
		StreamID:     uuid.NewString(),
		SessionID:    sessionID,
		ActivityUUID: activityUUID,
		deps:         deps,
		flags:        feature.DefaultFlags(),
		buffer:       NewFrameBuffer(deps.SequenceLength),
		track:        cluster.NewTracker(),
		state:        StateConnected,
		inbound:      make(chan []byte, inboundCap),
		outbound:     make(chan Outbound, 32),
		logger: deps.Logger.With(
			zap.String("session_id", sessionID),
			zap.String("activity_uuid", activityUUID),
		),
	}
	return s
}

// SetFlags applies the session's analysis toggles.
func (s *Stream) SetFlags(flags wire.SessionConfig) { s.flags = flags }

// State returns the current lifecycle state. Only safe from the run
// goroutine; external readers use View.
func (s *Stream) State() State { return s.state }

// View returns the last published post-intervention view.
func (s *Stream) View() PostView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Outbound exposes the delivery channel for the connection writer.
func (s *Stream) Outbound() <-chan Outbound { return s.outbound }

// Deliver queues a payload for the client, dropping when the writer is
// backed up (recommendations are best-effort by design).
func (s *Stream) Deliver(data []byte) bool {
	select {
	case s.outbound <- Outbound{Data: data}:
		return true
	default:
		return false
	}
}

// Enqueue hands an inbound text frame to the stream's task. Returns
// false when the per-stream channel is full and the frame was dropped.
func (s *Stream) Enqueue(data []byte) bool {
	select {
	case s.inbound <- data:
		return true
	default:
		s.deps.Metrics.FramesDropped.WithLabelValues("node", "stream_backlog").Inc()
		return false
	}
}

// SetPaused flips emission suppression for activity pause/resume events.
func (s *Stream) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *Stream) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Run processes inbound frames in arrival order until ctx is cancelled
// or the inbound channel closes. Each reply is queued on the outbound
// channel.
func (s *Stream) Run(ctx context.Context) {
	defer s.close(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.inbound:
			if !ok {
				return
			}
			if reply := s.handleMessage(ctx, data); reply != nil {
				s.Deliver(reply)
			}
		}
	}
}

// CloseInput stops the run loop after the queued frames drain.
func (s *Stream) CloseInput() { close(s.inbound) }

func (s *Stream) close(ctx context.Context) {
	s.state = StateClosed
	if s.sctx != nil {
		if err := s.deps.Contexts.Save(ctx, s.SessionID, s.ActivityUUID, s.sctx); err != nil {
			s.logger.Warn("persisting session context on close", zap.Error(err))
		}
	}
	close(s.outbound)
}

// handleMessage routes one inbound text frame: control messages by type,
// everything else through the frame pipeline. Malformed input gets an
// in-band error reply and the connection stays up.
func (s *Stream) handleMessage(ctx context.Context, data []byte) []byte {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errorReply("bad_json", "invalid JSON")
	}

	switch env.Type {
	case "handshake":
		return s.handleHandshake(ctx, data)
	case "ping":
		var ping wire.Ping
		if err := json.Unmarshal(data, &ping); err != nil {
			return errorReply("bad_ping", "invalid ping")
		}
		return wire.Encode(wire.Pong{
			Type:          "pong",
			Timestamp:     ping.Timestamp,
			CorrelationID: uuid.NewString(),
		})
	case "":
		return s.handleFrame(ctx, data)
	default:
		return errorReply("unknown_type", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Stream) handleHandshake(ctx context.Context, data []byte) []byte {
	var hs wire.Handshake
	if err := json.Unmarshal(data, &hs); err != nil || hs.UserID == 0 || hs.ExternalActivityID == 0 {
		return errorReply("bad_handshake", "handshake requires user_id and external_activity_id")
	}
	if s.state != StateConnected {
		return errorReply("already_ready", "handshake already completed")
	}

	s.UserID = hs.UserID
	s.TenantID = hs.CompanyID

	// Restore cooldown state from a previous owner, if any.
	if restored, ok, err := s.deps.Contexts.Load(ctx, s.SessionID, s.ActivityUUID); err != nil {
		s.logger.Warn("loading persisted session context", zap.Error(err))
	} else if ok && restored.CurrentActivityID == hs.ExternalActivityID {
		s.sctx = restored
	}
	if s.sctx == nil {
		s.sctx = policy.NewSessionContext(hs.ExternalActivityID)
	}

	// Per-session analysis toggles; unavailable keeps the defaults.
	if s.deps.Flags != nil {
		if flags, ok := s.deps.Flags.Get(ctx, s.SessionID); ok {
			s.flags = flags
		}
	}

	s.state = StateWarming
	s.publishView()
	s.logger.Info("stream ready",
		zap.Int64("user_id", hs.UserID),
		zap.Int64("external_activity_id", hs.ExternalActivityID))

	return wire.Encode(wire.HandshakeAck{
		Type:          "handshake_ack",
		Status:        "ready",
		ActivityUUID:  s.ActivityUUID,
		SessionID:     s.SessionID,
		CorrelationID: uuid.NewString(),
		Backpressure:  s.deps.Backpressure,
	})
}

func errorReply(code, msg string) []byte {
	return wire.Encode(wire.ErrorMessage{Type: "error", Error: msg, Code: code})
}

// ackReply acknowledges a processed frame.
func ackReply() []byte {
	return wire.Encode(map[string]string{"type": "frame_ack"})
}

// handleFrame runs the per-frame pipeline. It fails fast on malformed
// input and otherwise always acks.
func (s *Stream) handleFrame(ctx context.Context, data []byte) []byte {
	started := s.deps.Now()
	defer func() {
		s.deps.Metrics.FrameLatency.Observe(time.Since(started).Seconds())
	}()

	if s.state == StateConnected {
		return errorReply("not_ready", "handshake required before frames")
	}
	if s.state == StateClosed {
		return nil
	}

	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errorReply("bad_frame", "invalid frame JSON")
	}
	if err := frame.Validate(); err != nil {
		return errorReply("bad_frame", err.Error())
	}
	s.deps.Metrics.FramesReceived.WithLabelValues("node").Inc()

	now := s.deps.Now()

	// Activity change resets everything learned about the old activity.
	if frame.Metadata.ExternalActivityID != s.sctx.CurrentActivityID {
		s.logger.Info("activity changed, resetting stream state",
			zap.Int64("from", s.sctx.CurrentActivityID),
			zap.Int64("to", frame.Metadata.ExternalActivityID))
		s.buffer.Clear()
		s.sctx.Reset(frame.Metadata.ExternalActivityID)
		s.track = cluster.NewTracker()
		s.state = StateWarming
	}

	features := feature.Extract(&frame, s.flags)
	s.buffer.Push(BufferEntry{
		Features:     features,
		FaceDetected: frame.FaceDetected,
		Timestamp:    frame.Metadata.Timestamp,
		At:           now,
	})

	// Feed the shared detector and this stream's state tracker.
	state := s.deps.Detector.Observe(features)
	s.track.Push(state, now)

	if !s.buffer.Full() {
		s.publishView()
		return ackReply()
	}
	s.state = StateInferring

	ctxVec := s.sctx.Vector(now)
	in := classifier.Input{
		Window:    s.buffer.Window(),
		Context:   ctxVec,
		FaceRatio: s.buffer.FaceRatio(),
	}

	clsStart := s.deps.Now()
	decision, err := s.deps.Classifier.Classify(ctx, in)
	s.deps.Metrics.ClassifierLatency.Observe(time.Since(clsStart).Seconds())
	if err != nil {
		// The resilient wrapper normally absorbs this; degrade anyway.
		s.logger.Warn("classifier error", zap.Error(err))
		decision = classifier.Decision{Kind: wire.KindNone, Confidence: 0}
	}
	s.deps.Metrics.Classifications.WithLabelValues(string(decision.Kind)).Inc()

	if decision.Kind == wire.KindNone || decision.Confidence < s.deps.ConfidenceThreshold {
		s.maybeNegativeSample(ctx, now, ctxVec)
		s.publishView()
		return ackReply()
	}

	if s.isPaused() {
		s.deps.Metrics.PolicyDenials.WithLabelValues(string(decision.Kind), "activity_paused").Inc()
		s.publishView()
		return ackReply()
	}

	st := &policy.StateInfo{
		State:     s.track.Current(),
		Duration:  s.track.Duration(now),
		Stability: s.track.Stability(),
	}
	s.sctx.IneffectiveInstructions = int(s.ineffective.Load())
	kind, allowed, reason := s.deps.Engine.Apply(decision.Kind, s.sctx, st, now)
	if !allowed {
		s.deps.Metrics.PolicyDenials.WithLabelValues(string(kind), reason).Inc()
		s.publishView()
		return ackReply()
	}

	if err := s.emit(ctx, kind, decision.Confidence, ctxVec, st, now); err != nil {
		s.logger.Error("emitting intervention", zap.Error(err))
	}
	s.publishView()
	return ackReply()
}

// maybeNegativeSample persists a negative training sample with
// probability NegativeSampleRate.
func (s *Stream) maybeNegativeSample(ctx context.Context, now time.Time, ctxVec []float64) {
	if s.deps.Rand.Float64() >= s.deps.NegativeSampleRate {
		return
	}
	sample := &store.TrainingSample{
		ID:                 uuid.NewString(),
		ExternalActivityID: s.sctx.CurrentActivityID,
		Window:             s.buffer.WindowCopy(),
		Context:            append([]float64(nil), ctxVec...),
		Label:              string(wire.KindNone),
		Source:             store.SourceProduction,
		CreatedAt:          now,
	}
	if err := s.deps.Store.InsertSample(ctx, sample); err != nil {
		s.logger.Warn("persisting negative sample", zap.Error(err))
		return
	}
	s.deps.Metrics.TrainingSamples.WithLabelValues(string(wire.KindNone)).Inc()
}

// emit persists the intervention and its paired training sample, updates
// the cooldown state, and publishes the intervention event. A storage
// failure aborts the emit without touching the session context.
func (s *Stream) emit(ctx context.Context, kind wire.Kind, confidence float64, ctxVec []float64, st *policy.StateInfo, now time.Time) error {
	window := s.buffer.Window()
	iv := &store.Intervention{
		ID:                 uuid.NewString(),
		SessionID:          s.SessionID,
		ActivityUUID:       s.ActivityUUID,
		ExternalActivityID: s.sctx.CurrentActivityID,
		Kind:               kind,
		Confidence:         confidence,
		FiredAt:            now,
		PreSnapshot:        s.buffer.Snapshot(),
		ContextSnapshot: store.ContextSnapshot{
			Vector:       append([]float64(nil), ctxVec...),
			State:        st.State,
			Stability:    st.Stability,
			AttentionPre: feature.AttentionScore(window, s.buffer.FaceRatio()),
			NegativePre:  feature.NegativeMean(window),
			FaceRatioPre: s.buffer.FaceRatio(),
		},
		Result: wire.ResultPending,
	}
	if err := s.deps.Store.InsertIntervention(ctx, iv); err != nil {
		return fmt.Errorf("inserting intervention: %w", err)
	}

	sample := &store.TrainingSample{
		ID:                 uuid.NewString(),
		InterventionID:     iv.ID,
		ExternalActivityID: s.sctx.CurrentActivityID,
		Window:             s.buffer.WindowCopy(),
		Context:            append([]float64(nil), ctxVec...),
		Label:              string(kind),
		Source:             store.SourceProduction,
		CreatedAt:          now,
	}
	if err := s.deps.Store.InsertSample(ctx, sample); err != nil {
		// The intervention row stands; the sample is best-effort.
		s.logger.Warn("persisting training sample", zap.Error(err))
	} else {
		s.deps.Metrics.TrainingSamples.WithLabelValues(string(kind)).Inc()
	}

	s.sctx.RecordFire(kind, now)
	if err := s.deps.Contexts.Save(ctx, s.SessionID, s.ActivityUUID, s.sctx); err != nil {
		s.logger.Warn("persisting session context", zap.Error(err))
	}

	event := wire.InterventionEvent{
		InterventionID:     iv.ID,
		SessionID:          s.SessionID,
		ActivityUUID:       s.ActivityUUID,
		ExternalActivityID: s.sctx.CurrentActivityID,
		UserID:             s.UserID,
		Kind:               kind,
		Confidence:         confidence,
		CognitiveEvent:     st.State,
		StateStability:     st.Stability,
		FiredAt:            now,
	}
	if err := s.deps.Publisher.Publish(ctx, wire.SubjectInterventions, event); err != nil {
		// The row remains for offline reconciliation.
		s.deps.Metrics.PublishFailures.WithLabelValues(wire.SubjectInterventions).Inc()
		s.logger.Error("publishing intervention event, keeping row", zap.Error(err))
	}

	s.deps.Metrics.Interventions.WithLabelValues(string(kind)).Inc()
	s.logger.Info("intervention emitted",
		zap.String("intervention_id", iv.ID),
		zap.String("kind", string(kind)),
		zap.Float64("confidence", confidence),
		zap.String("cognitive_state", st.State))
	return nil
}

// IneffectiveInstruction feeds an evaluation result back into the policy
// escalation state. Called by the evaluator from outside the run loop,
// hence the atomic; the run loop folds it into the session context
// before each gate.
func (s *Stream) IneffectiveInstruction() {
	s.ineffective.Add(1)
}

// publishView copies the hot-path state out for evaluator reads.
func (s *Stream) publishView() {
	window := s.buffer.Window()
	v := PostView{
		State:     s.track.Current(),
		Stability: s.track.Stability(),
		Attention: feature.AttentionScore(window, s.buffer.FaceRatio()),
		Negative:  feature.NegativeMean(window),
		BufferLen: s.buffer.Len(),
		UpdatedAt: s.deps.Now(),
	}
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
}
