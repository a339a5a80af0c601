// Package kv is the shared key-value layer: connection ownership,
// cooldown persistence, read-through caches, circuit-breaker state and
// sliding-window rate caps.
//
// The production implementation is Redis; the in-memory implementation
// backs tests and single-node deployments without a Redis address.
// Keys are partitioned by scope prefix so components never collide.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindstreamlabs/cognitived/internal/policy"
)

// Key prefixes. Every key in the shared store carries one of these.
const (
	PrefixConnection       = "ws_connection:"
	PrefixCooldown         = "cooldown_state:"
	PrefixActivityDetails  = "activity_details:"
	PrefixSessionConfig    = "session_config:"
	PrefixGeneratedContent = "generated_content:"
	PrefixCircuitBreaker   = "circuit_breaker:"
	PrefixAPIKey           = "api_key:"
)

// TTLs for the shared keys.
const (
	TTLConnection       = time.Hour
	TTLCooldown         = time.Hour
	TTLActivityDetails  = 10 * time.Minute
	TTLSessionConfig    = 5 * time.Minute
	TTLGeneratedContent = time.Hour
	TTLCircuitBreaker   = 5 * time.Minute
)

// Store is the minimal shared-KV contract. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// AllowRate implements a sliding-window rate cap: it records one hit
	// on key and reports whether the window still has room.
	AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Close() error
}

// ConnectionRegistry maps live streams to their owning node instance.
type ConnectionRegistry struct {
	store      Store
	instanceID string
}

// NewConnectionRegistry creates a registry writing ownership claims for
// instanceID.
func NewConnectionRegistry(store Store, instanceID string) *ConnectionRegistry {
	return &ConnectionRegistry{store: store, instanceID: instanceID}
}

type ownerRecord struct {
	InstanceID string    `json:"instance_id"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

func connectionKey(sessionID, activityUUID string) string {
	return PrefixConnection + sessionID + ":" + activityUUID
}

// Claim records this instance as the owner of the stream.
func (r *ConnectionRegistry) Claim(ctx context.Context, sessionID, activityUUID string) error {
	rec, err := json.Marshal(ownerRecord{InstanceID: r.instanceID, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding owner record: %w", err)
	}
	return r.store.Set(ctx, connectionKey(sessionID, activityUUID), string(rec), TTLConnection)
}

// Release drops the ownership claim.
func (r *ConnectionRegistry) Release(ctx context.Context, sessionID, activityUUID string) error {
	return r.store.Delete(ctx, connectionKey(sessionID, activityUUID))
}

// Lookup returns the owning instance id for a stream, if any.
func (r *ConnectionRegistry) Lookup(ctx context.Context, sessionID, activityUUID string) (string, bool, error) {
	raw, ok, err := r.store.Get(ctx, connectionKey(sessionID, activityUUID))
	if err != nil || !ok {
		return "", false, err
	}
	var rec ownerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false, fmt.Errorf("decoding owner record: %w", err)
	}
	return rec.InstanceID, true, nil
}

// InstanceID returns the id this registry claims under.
func (r *ConnectionRegistry) InstanceID() string { return r.instanceID }

// ContextStore persists per-stream cooldown state so it survives node
// failover.
type ContextStore struct {
	store Store
}

// NewContextStore wraps a shared store for SessionContext persistence.
func NewContextStore(store Store) *ContextStore {
	return &ContextStore{store: store}
}

func cooldownKey(sessionID, activityUUID string) string {
	return PrefixCooldown + sessionID + ":" + activityUUID
}

// Save flushes a session context.
func (s *ContextStore) Save(ctx context.Context, sessionID, activityUUID string, sc *policy.SessionContext) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding session context: %w", err)
	}
	return s.store.Set(ctx, cooldownKey(sessionID, activityUUID), string(raw), TTLCooldown)
}

// Load restores a session context; ok is false when none was persisted.
func (s *ContextStore) Load(ctx context.Context, sessionID, activityUUID string) (*policy.SessionContext, bool, error) {
	raw, ok, err := s.store.Get(ctx, cooldownKey(sessionID, activityUUID))
	if err != nil || !ok {
		return nil, false, err
	}
	var sc policy.SessionContext
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, false, fmt.Errorf("decoding session context: %w", err)
	}
	return &sc, true, nil
}

// Drop removes a persisted context.
func (s *ContextStore) Drop(ctx context.Context, sessionID, activityUUID string) error {
	return s.store.Delete(ctx, cooldownKey(sessionID, activityUUID))
}

// GetJSON reads a JSON value from the store into out.
func GetJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// SetJSON writes a JSON value to the store.
func SetJSON(ctx context.Context, store Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return store.Set(ctx, key, string(raw), ttl)
}
