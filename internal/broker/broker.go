// Package broker wraps the NATS connection used for cross-component
// messaging: durable JetStream subjects with queue-group consumers,
// retried publishes, and correlation-id request/reply.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// streamName is the JetStream stream holding every durable subject.
const streamName = "COGNITIVED"

// messageTTL bounds how long undelivered events live.
const messageTTL = 24 * time.Hour

// ErrDrop tells a consumer the message is unprocessable: it is routed to
// the subject's dead-letter subject and acknowledged.
var ErrDrop = errors.New("broker: drop message to dlq")

// durableSubjects are the subjects persisted in JetStream. RPC subjects
// stay on core NATS.
var durableSubjects = []string{
	wire.SubjectInterventions,
	wire.SubjectRecommendations,
	wire.SubjectEvaluations,
	wire.SubjectCacheInvalidation,
	wire.SubjectActivityEvents,
	wire.SubjectStreamEvents,
}

// Client is a shared broker handle. It is safe for concurrent use.
type Client struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	logger     *zap.Logger
	maxRetries int
}

// Connect dials NATS, verifies JetStream, and ensures the durable stream
// exists (idempotent).
func Connect(url, name string, maxRetries int, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	subjects := make([]string, 0, len(durableSubjects)*2)
	for _, s := range durableSubjects {
		subjects = append(subjects, s, s+".dlq")
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		MaxAge:   messageTTL,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", streamName, err)
	}

	return &Client{nc: nc, js: js, logger: logger, maxRetries: maxRetries}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	_ = c.nc.Drain()
	c.nc.Close()
}

// Ready reports whether the connection is usable, for readiness probes.
func (c *Client) Ready() bool {
	return c.nc != nil && c.nc.Status() == nats.CONNECTED
}

// Publish sends v to a durable subject, retrying with capped exponential
// backoff. The caller decides what a final failure means; the client
// only reports it.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	data := wire.Encode(v)
	op := func() (struct{}, error) {
		if _, err := c.js.Publish(subject, data); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries)))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Consumer is a running durable subscription.
type Consumer struct {
	sub    *nats.Subscription
	logger *zap.Logger
}

// Handler processes one message body. Returning nil acks; returning
// ErrDrop dead-letters and acks; any other error naks for redelivery.
type Handler func(ctx context.Context, data []byte) error

// Consume starts a durable queue-group consumer on subject. Instances
// sharing a queue name compete for messages; prefetch bounds in-flight
// work per instance.
func (c *Client) Consume(ctx context.Context, subject, queue string, prefetch int, handler Handler) (*Consumer, error) {
	sub, err := c.js.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		err := handler(ctx, msg.Data)
		switch {
		case err == nil:
			_ = msg.Ack()
		case errors.Is(err, ErrDrop):
			if _, dlqErr := c.js.Publish(subject+".dlq", msg.Data); dlqErr != nil {
				c.logger.Error("dead-lettering failed",
					zap.String("subject", subject), zap.Error(dlqErr))
			}
			_ = msg.Ack()
		default:
			c.logger.Warn("handler failed, requeueing",
				zap.String("subject", subject), zap.Error(err))
			_ = msg.Nak()
		}
	},
		nats.Durable(queue),
		nats.ManualAck(),
		nats.MaxAckPending(prefetch),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s (queue %s): %w", subject, queue, err)
	}
	return &Consumer{sub: sub, logger: c.logger}, nil
}

// ConsumeEphemeral delivers every new message on subject to this instance
// only (no queue group, no durability). Used by the delivery fanout so
// each node sees every recommendation and keeps only its own streams'.
func (c *Client) ConsumeEphemeral(ctx context.Context, subject string, handler Handler) (*Consumer, error) {
	sub, err := c.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil && !errors.Is(err, ErrDrop) {
			c.logger.Warn("ephemeral handler failed",
				zap.String("subject", subject), zap.Error(err))
		}
		_ = msg.Ack()
	},
		nats.DeliverNew(),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("ephemeral subscribe to %s: %w", subject, err)
	}
	return &Consumer{sub: sub, logger: c.logger}, nil
}

// Stop halts delivery and drains the in-flight handler.
func (s *Consumer) Stop() {
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("draining subscription", zap.Error(err))
	}
}
