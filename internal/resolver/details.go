package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// RPC is the request/reply surface of the broker the detail client uses.
type RPC interface {
	Request(ctx context.Context, subject string, setMeta func(correlationID, replyTo string) any, timeout time.Duration) ([]byte, error)
}

// DetailsClient resolves activity metadata through a read-through KV
// cache backed by a broker RPC to the session service.
type DetailsClient struct {
	store   kv.Store
	rpc     RPC
	timeout time.Duration
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewDetailsClient wires the cache in front of the RPC.
func NewDetailsClient(store kv.Store, rpc RPC, timeout time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *DetailsClient {
	return &DetailsClient{
		store:   store,
		rpc:     rpc,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Get returns the activity's metadata. ok is false when the session
// service cannot answer in time; the caller proceeds with degraded
// context rather than blocking the intervention.
func (d *DetailsClient) Get(ctx context.Context, activityUUID string) (*wire.ActivityDetails, bool) {
	key := kv.PrefixActivityDetails + activityUUID
	var details wire.ActivityDetails
	if hit, err := kv.GetJSON(ctx, d.store, key, &details); err != nil {
		d.logger.Warn("activity details cache read", zap.Error(err))
	} else if hit {
		return &details, true
	}

	reply, err := d.rpc.Request(ctx, wire.SubjectActivityDetails,
		func(correlationID, replyTo string) any {
			return wire.ActivityDetailsRequest{
				ActivityUUID:  activityUUID,
				CorrelationID: correlationID,
				ReplyTo:       replyTo,
			}
		}, d.timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.metrics.RPCTimeouts.Inc()
		}
		d.logger.Warn("activity details unavailable, degrading",
			zap.String("activity_uuid", activityUUID), zap.Error(err))
		return nil, false
	}

	if err := json.Unmarshal(reply, &details); err != nil {
		d.logger.Warn("malformed activity details reply", zap.Error(err))
		return nil, false
	}
	if err := kv.SetJSON(ctx, d.store, key, details, kv.TTLActivityDetails); err != nil {
		d.logger.Warn("activity details cache write", zap.Error(err))
	}
	return &details, true
}
