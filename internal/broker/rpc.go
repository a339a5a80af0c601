package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RPCClient implements request/reply over the broker: every request
// carries a fresh correlation id and the shared reply subject; replies
// are dispatched back to the waiting caller by correlation id. One reply
// subscription serves all in-flight requests.
type RPCClient struct {
	nc      *nats.Conn
	logger  *zap.Logger
	replyTo string
	sub     *nats.Subscription

	mu      sync.Mutex
	pending map[string]chan []byte
}

// rpcEnvelope is the minimal reply shape: only the correlation id is
// interpreted here, the raw body goes back to the caller.
type rpcEnvelope struct {
	CorrelationID string `json:"correlation_id"`
}

// NewRPCClient creates an RPC client with its own ephemeral reply inbox.
func NewRPCClient(c *Client, logger *zap.Logger) (*RPCClient, error) {
	r := &RPCClient{
		nc:      c.nc,
		logger:  logger,
		replyTo: nats.NewInbox(),
		pending: make(map[string]chan []byte),
	}

	sub, err := c.nc.Subscribe(r.replyTo, func(msg *nats.Msg) {
		var env rpcEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.CorrelationID == "" {
			logger.Warn("rpc reply without correlation id")
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[env.CorrelationID]
		if ok {
			delete(r.pending, env.CorrelationID)
		}
		r.mu.Unlock()
		if ok {
			ch <- msg.Data
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing reply inbox: %w", err)
	}
	r.sub = sub
	return r, nil
}

// Close unsubscribes the reply inbox and abandons in-flight requests.
func (r *RPCClient) Close() {
	_ = r.sub.Unsubscribe()
	r.mu.Lock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

// Request publishes payload to subject and waits for the matching reply.
// The payload's correlation_id and reply_to fields are filled in by the
// setMeta callback so each request type keeps its own struct.
func (r *RPCClient) Request(ctx context.Context, subject string, setMeta func(correlationID, replyTo string) any, timeout time.Duration) ([]byte, error) {
	correlationID := uuid.NewString()
	payload := setMeta(correlationID, r.replyTo)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding rpc request: %w", err)
	}

	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.pending[correlationID] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}

	if err := r.nc.Publish(subject, data); err != nil {
		cleanup()
		return nil, fmt.Errorf("publishing rpc request to %s: %w", subject, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpc client closed while waiting on %s", subject)
		}
		return reply, nil
	case <-timer.C:
		cleanup()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Respond registers a server-side responder for an RPC subject. The
// handler receives the raw request and returns the reply value, which
// must echo the request's correlation id. Used by tests standing in for
// the external session service.
func (c *Client) Respond(subject string, handler func(data []byte) (any, error)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var meta struct {
			ReplyTo string `json:"reply_to"`
		}
		if err := json.Unmarshal(msg.Data, &meta); err != nil || meta.ReplyTo == "" {
			c.logger.Warn("rpc request without reply_to", zap.String("subject", subject))
			return
		}
		reply, err := handler(msg.Data)
		if err != nil {
			c.logger.Warn("rpc responder failed", zap.String("subject", subject), zap.Error(err))
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			c.logger.Error("encoding rpc reply", zap.Error(err))
			return
		}
		if err := c.nc.Publish(meta.ReplyTo, data); err != nil {
			c.logger.Warn("publishing rpc reply", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing responder on %s: %w", subject, err)
	}
	return sub, nil
}
