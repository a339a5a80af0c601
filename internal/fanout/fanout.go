// Package fanout delivers resolved recommendations to the streams this
// node owns. Every node sees every recommendation on an ephemeral
// subscription and keeps only its own.
package fanout

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/broker"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Deliverer hands a recommendation to a locally owned stream.
type Deliverer interface {
	DeliverLocal(rec *wire.Recommendation) bool
}

// Fanout filters the recommendations subject down to local streams.
type Fanout struct {
	deliverer Deliverer
	registry  *kv.ConnectionRegistry
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

// New creates a fanout for this node's streams.
func New(deliverer Deliverer, registry *kv.ConnectionRegistry, metrics *telemetry.Metrics, logger *zap.Logger) *Fanout {
	return &Fanout{
		deliverer: deliverer,
		registry:  registry,
		metrics:   metrics,
		logger:    logger.Named("fanout"),
	}
}

// Handle is the broker handler for the recommendations subject. A
// recommendation owned elsewhere is silently skipped; one owned here but
// undeliverable is dropped with a warning, since by the time the client
// reconnects the moment has passed.
func (f *Fanout) Handle(ctx context.Context, data []byte) error {
	var rec wire.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		f.logger.Warn("malformed recommendation", zap.Error(err))
		return broker.ErrDrop
	}

	owner, ok, err := f.registry.Lookup(ctx, rec.SessionID, rec.ActivityUUID)
	if err != nil {
		f.logger.Warn("ownership lookup failed", zap.Error(err))
	}
	if ok && owner != f.registry.InstanceID() {
		f.metrics.Recommendations.WithLabelValues("skipped_remote").Inc()
		return nil
	}

	if f.deliverer.DeliverLocal(&rec) {
		f.metrics.Recommendations.WithLabelValues("delivered").Inc()
		return nil
	}

	f.metrics.Recommendations.WithLabelValues("dropped").Inc()
	f.logger.Warn("recommendation undeliverable, stream gone",
		zap.String("session_id", rec.SessionID),
		zap.String("activity_uuid", rec.ActivityUUID),
		zap.String("intervention_id", rec.InterventionID))
	return nil
}
