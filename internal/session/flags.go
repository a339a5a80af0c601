package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// FlagSource resolves a session's analysis toggles. A nil source keeps
// every channel enabled.
type FlagSource interface {
	Get(ctx context.Context, sessionID string) (wire.SessionConfig, bool)
}

// RPC is the request/reply surface of the broker the flag client uses.
type RPC interface {
	Request(ctx context.Context, subject string, setMeta func(correlationID, replyTo string) any, timeout time.Duration) ([]byte, error)
}

// FlagClient resolves analysis toggles through the shared KV cache backed
// by a broker RPC to the session service.
type FlagClient struct {
	store   kv.Store
	rpc     RPC
	timeout time.Duration
	logger  *zap.Logger
}

// NewFlagClient wires the cache in front of the RPC.
func NewFlagClient(store kv.Store, rpc RPC, timeout time.Duration, logger *zap.Logger) *FlagClient {
	return &FlagClient{store: store, rpc: rpc, timeout: timeout, logger: logger}
}

// Get returns the session's toggles. ok is false when the session service
// cannot answer in time; the stream then keeps all channels enabled
// rather than blocking the handshake.
func (f *FlagClient) Get(ctx context.Context, sessionID string) (wire.SessionConfig, bool) {
	key := kv.PrefixSessionConfig + sessionID
	var cfg wire.SessionConfig
	if hit, err := kv.GetJSON(ctx, f.store, key, &cfg); err != nil {
		f.logger.Warn("session config cache read", zap.Error(err))
	} else if hit {
		return cfg, true
	}

	reply, err := f.rpc.Request(ctx, wire.SubjectSessionConfig,
		func(correlationID, replyTo string) any {
			return wire.SessionConfigRequest{
				SessionID:     sessionID,
				CorrelationID: correlationID,
				ReplyTo:       replyTo,
			}
		}, f.timeout)
	if err != nil {
		f.logger.Warn("session config unavailable, keeping defaults",
			zap.String("session_id", sessionID), zap.Error(err))
		return wire.SessionConfig{}, false
	}

	if err := json.Unmarshal(reply, &cfg); err != nil {
		f.logger.Warn("malformed session config reply", zap.Error(err))
		return wire.SessionConfig{}, false
	}
	if err := kv.SetJSON(ctx, f.store, key, cfg, kv.TTLSessionConfig); err != nil {
		f.logger.Warn("session config cache write", zap.Error(err))
	}
	return cfg, true
}
