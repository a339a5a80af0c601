package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

const (
	// spliceWriteTimeout bounds one write on either leg of the splice.
	spliceWriteTimeout = 10 * time.Second
	// throttleHold is how long throttled mode persists once entered.
	throttleHold = 2 * time.Second
	// rateLimitRetryAfter is the backoff advertised when the token
	// bucket runs dry.
	rateLimitRetryAfter = time.Second
)

// Limits are the gateway's backpressure knobs.
type Limits struct {
	MaxBufferSize      int
	MaxFramesPerSecond int
	ThrottleThreshold  int
}

// Gateway is the client-facing WebSocket proxy. Each accepted stream is
// authenticated, then spliced to the inference node with a bounded
// buffer in between.
type Gateway struct {
	auth    *Authenticator
	nodeURL string
	limits  Limits
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New creates a gateway proxying to the node WebSocket base URL.
func New(auth *Authenticator, nodeURL string, limits Limits, metrics *telemetry.Metrics, logger *zap.Logger) *Gateway {
	return &Gateway{
		auth:    auth,
		nodeURL: strings.TrimRight(nodeURL, "/"),
		limits:  limits,
		metrics: metrics,
		logger:  logger.Named("gateway"),
	}
}

// Register mounts the streaming endpoint.
func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/ws/:session_id/:activity_uuid", g.handleWS)
}

// apiKeyFrom pulls the API key from the Authorization header or the
// api_key query parameter.
func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func (g *Gateway) handleWS(c echo.Context) error {
	sessionID := c.Param("session_id")
	activityUUID := c.Param("activity_uuid")
	apiKey := apiKeyFrom(c.Request())

	client, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("accepting client socket: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Authentication failures close in-band with 1008 so browser clients
	// can distinguish them from transport errors.
	companyID, ok := g.auth.Authenticate(ctx, apiKey)
	if !ok {
		g.logger.Info("rejected unauthenticated stream",
			zap.String("session_id", sessionID))
		_ = client.Close(websocket.StatusPolicyViolation, "authentication failed")
		return nil
	}

	nodeURL := fmt.Sprintf("%s/ws/%s/%s", g.nodeURL, sessionID, activityUUID)
	node, _, err := websocket.Dial(ctx, nodeURL, nil)
	if err != nil {
		g.logger.Error("dialing inference node", zap.Error(err))
		_ = client.Close(websocket.StatusInternalError, "upstream unavailable")
		return nil
	}

	g.logger.Info("stream opened",
		zap.String("session_id", sessionID),
		zap.String("activity_uuid", activityUUID),
		zap.String("company_id", companyID))

	g.splice(ctx, cancel, client, node)

	_ = node.Close(websocket.StatusNormalClosure, "")
	_ = client.Close(websocket.StatusNormalClosure, "")
	g.logger.Info("stream closed", zap.String("session_id", sessionID))
	return nil
}

// splice pumps messages both ways until either side fails. The
// client-to-node leg runs through throttled(); the node-to-client leg is
// a plain copy funneled through one writer goroutine so throttle and
// drop notices can share the socket safely.
func (g *Gateway) splice(ctx context.Context, cancel context.CancelFunc, client, node *websocket.Conn) {
	toNode := make(chan []byte, g.limits.MaxBufferSize)
	toClient := make(chan []byte, 32)

	write := func(conn *websocket.Conn, data []byte) bool {
		wctx, wcancel := context.WithTimeout(ctx, spliceWriteTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		wcancel()
		return err == nil
	}

	// Client writer.
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-toClient:
				if !write(client, data) {
					cancel()
					return
				}
			}
		}
	}()

	// Node writer, draining the bounded buffer.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-toNode:
				if !write(node, data) {
					cancel()
					return
				}
			}
		}
	}()

	// Node reader: replies and recommendations back to the client.
	go func() {
		for {
			_, data, err := node.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			select {
			case toClient <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	g.pump(ctx, client, toNode, toClient)
	cancel()
	<-clientDone
}

// pump is the client reader with flow control: an empty token bucket
// answers with a throttle notice, and once the node-bound buffer
// crosses the threshold the stream sheds frames for throttleHold.
// Control messages bypass both; losing a handshake or ping to load
// shedding would wedge the stream.
func (g *Gateway) pump(ctx context.Context, client *websocket.Conn, toNode chan []byte, toClient chan []byte) {
	limiter := rate.NewLimiter(rate.Limit(g.limits.MaxFramesPerSecond), g.limits.MaxFramesPerSecond)
	var throttledUntil time.Time

	notify := func(v any) {
		select {
		case toClient <- wire.Encode(v):
		default:
		}
	}
	drop := func(reason string) {
		g.metrics.FramesDropped.WithLabelValues("gateway", reason).Inc()
		notify(wire.FrameDropped{Type: "frame_dropped", Reason: reason})
	}

	for {
		_, data, err := client.Read(ctx)
		if err != nil {
			return
		}
		g.metrics.FramesReceived.WithLabelValues("gateway").Inc()

		var env wire.Envelope
		isControl := json.Unmarshal(data, &env) == nil && env.Type != ""
		if isControl {
			select {
			case toNode <- data:
			case <-ctx.Done():
				return
			}
			continue
		}

		// Empty bucket: shed the frame and tell the client to back off.
		if !limiter.Allow() {
			g.metrics.FramesDropped.WithLabelValues("gateway", "rate_limit").Inc()
			notify(wire.Throttle{
				Type:              "throttle",
				Status:            "active",
				Reason:            "rate_limit_exceeded",
				RetryAfterSeconds: rateLimitRetryAfter.Seconds(),
				BufferSize:        len(toNode),
				MaxBufferSize:     g.limits.MaxBufferSize,
			})
			continue
		}

		now := time.Now()
		if now.Before(throttledUntil) {
			drop("buffer_full")
			continue
		}
		if len(toNode) >= g.limits.ThrottleThreshold {
			throttledUntil = now.Add(throttleHold)
			g.metrics.ThrottleEvents.Inc()
			drop("buffer_full")
			continue
		}

		select {
		case toNode <- data:
		default:
			drop("buffer_full")
		}
	}
}
