// Package resolver turns intervention events into deliverable
// recommendations. Content comes from a three-level cascade: the
// catalog, the shared generated-content cache, and finally the LLM
// generator behind a circuit breaker and a fleet-wide rate cap.
package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/broker"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// generatorRateKey is the fleet-wide sliding window for generator calls.
const generatorRateKey = "rate:generator"

// Publisher is the slice of the broker the resolver publishes on.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Resolver consumes intervention events and publishes recommendations.
type Resolver struct {
	db        *store.Store
	kvs       kv.Store
	details   *DetailsClient
	generator Generator // nil disables generation
	breaker   *Breaker
	publisher Publisher
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	rateLimit int
	now       func() time.Time
}

// New creates a resolver. generator may be nil when no API key is
// configured; the cascade then ends at the catalog.
func New(db *store.Store, kvs kv.Store, details *DetailsClient, generator Generator, breaker *Breaker, pub Publisher, metrics *telemetry.Metrics, logger *zap.Logger, rateLimitPerMinute int) *Resolver {
	return &Resolver{
		db:        db,
		kvs:       kvs,
		details:   details,
		generator: generator,
		breaker:   breaker,
		publisher: pub,
		metrics:   metrics,
		logger:    logger.Named("resolver"),
		rateLimit: rateLimitPerMinute,
		now:       time.Now,
	}
}

// SetClock overrides the resolver's clock for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// contentCacheKey fingerprints a content slot. Interventions for the
// same topic, kind and cognitive event share generated content.
func contentCacheKey(topic string, kind wire.Kind, cognitiveEvent string) string {
	sum := md5.Sum([]byte(topic + ":" + string(kind) + ":" + cognitiveEvent))
	return kv.PrefixGeneratedContent + hex.EncodeToString(sum[:])
}

// refKey maps an intervention back to the content slot it was served
// from, so negative evaluations can evict the right entry.
func refKey(interventionID string) string {
	return kv.PrefixGeneratedContent + "ref:" + interventionID
}

// HandleIntervention is the broker handler for the interventions
// subject. Unresolvable events are dead-lettered; transient failures
// requeue.
func (r *Resolver) HandleIntervention(ctx context.Context, data []byte) error {
	var ev wire.InterventionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("malformed intervention event", zap.Error(err))
		return broker.ErrDrop
	}
	if ev.Kind == wire.KindNone || !ev.Kind.Valid() {
		r.logger.Warn("intervention with unusable kind",
			zap.String("intervention_id", ev.InterventionID),
			zap.String("kind", string(ev.Kind)))
		return broker.ErrDrop
	}

	details, _ := r.details.Get(ctx, ev.ActivityUUID)
	if details == nil {
		details = &wire.ActivityDetails{ActivityUUID: ev.ActivityUUID}
	}

	content, generated, ok := r.resolveContent(ctx, &ev, details)
	if !ok {
		// Nothing to deliver and nothing transient to wait on.
		return broker.ErrDrop
	}

	rec := wire.Recommendation{
		Type:           "recommendation",
		SessionID:      ev.SessionID,
		ActivityUUID:   ev.ActivityUUID,
		UserID:         ev.UserID,
		InterventionID: ev.InterventionID,
		Action:         actionFor(ev.Kind, ev.CognitiveEvent),
		Content:        content,
		Vibration:      vibrationFor(ev.Kind, ev.CognitiveEvent),
		Metadata: wire.RecommendationMeta{
			CognitiveEvent:     ev.CognitiveEvent,
			CognitivePrecision: ev.StateStability,
			Confidence:         ev.Confidence,
		},
		Timestamp: r.now().UnixMilli(),
	}

	if err := r.publisher.Publish(ctx, wire.SubjectRecommendations, rec); err != nil {
		r.metrics.PublishFailures.WithLabelValues(wire.SubjectRecommendations).Inc()
		return fmt.Errorf("publishing recommendation for %s: %w", ev.InterventionID, err)
	}

	if generated {
		// Remember which slot served this intervention for eviction.
		key := contentCacheKey(details.Topic, ev.Kind, ev.CognitiveEvent)
		if err := r.kvs.Set(ctx, refKey(ev.InterventionID), key, kv.TTLGeneratedContent); err != nil {
			r.logger.Warn("writing content ref", zap.Error(err))
		}
	}

	r.metrics.Recommendations.WithLabelValues("resolved").Inc()
	r.logger.Info("recommendation published",
		zap.String("intervention_id", ev.InterventionID),
		zap.String("kind", string(ev.Kind)),
		zap.String("action", rec.Action))
	return nil
}

// resolveContent walks the cascade. generated reports that the body came
// from the cache or the generator rather than the catalog.
func (r *Resolver) resolveContent(ctx context.Context, ev *wire.InterventionEvent, details *wire.ActivityDetails) (wire.Content, bool, bool) {
	// Vibrations carry a fixed nudge; no lookup needed.
	if ev.Kind == wire.KindVibration {
		return wire.Content{Type: "texto", Body: "¿Sigues ahí? Vuelve a la actividad."}, false, true
	}

	if entry, found := r.lookupCatalog(ctx, ev, details); found {
		r.metrics.CatalogLookups.WithLabelValues("hit").Inc()
		return wire.Content{Type: entry.ContentType, Body: entry.Body}, false, true
	}
	r.metrics.CatalogLookups.WithLabelValues("miss").Inc()

	// Only a total catalog miss consults the generated-content cache, so
	// newly authored catalog entries take effect immediately.
	cacheKey := contentCacheKey(details.Topic, ev.Kind, ev.CognitiveEvent)
	var cached wire.Content
	if hit, err := kv.GetJSON(ctx, r.kvs, cacheKey, &cached); err != nil {
		r.logger.Warn("content cache read", zap.Error(err))
	} else if hit {
		return cached, true, true
	}

	body, ok := r.generate(ctx, ev, details)
	if !ok {
		return wire.Content{}, false, false
	}
	content := wire.Content{Type: "texto", Body: body}
	if err := kv.SetJSON(ctx, r.kvs, cacheKey, content, kv.TTLGeneratedContent); err != nil {
		r.logger.Warn("content cache write", zap.Error(err))
	}
	return content, true, true
}

// lookupCatalog runs the specificity cascade: exact fingerprint, then
// activity type, then bare topic. Degraded details (empty topic) skip
// the catalog entirely.
func (r *Resolver) lookupCatalog(ctx context.Context, ev *wire.InterventionEvent, details *wire.ActivityDetails) (*store.CatalogEntry, bool) {
	if details.Topic == "" {
		return nil, false
	}
	if entry, found, err := r.db.CatalogExact(ctx, details.Topic, details.Subtopic, ev.Kind, ev.CognitiveEvent); err != nil {
		r.logger.Warn("catalog exact lookup", zap.Error(err))
	} else if found {
		return entry, true
	}
	if entry, found, err := r.db.CatalogByActivityType(ctx, details.Topic, details.ActivityType, ev.Kind); err != nil {
		r.logger.Warn("catalog activity-type lookup", zap.Error(err))
	} else if found {
		return entry, true
	}
	if entry, found, err := r.db.CatalogByTopic(ctx, details.Topic, ev.Kind); err != nil {
		r.logger.Warn("catalog topic lookup", zap.Error(err))
	} else if found {
		return entry, true
	}
	return nil, false
}

// generate calls the LLM if the breaker and the fleet-wide rate cap
// admit it.
func (r *Resolver) generate(ctx context.Context, ev *wire.InterventionEvent, details *wire.ActivityDetails) (string, bool) {
	if r.generator == nil {
		return "", false
	}
	if !r.breaker.Allow(ctx) {
		r.metrics.GeneratorCalls.WithLabelValues("breaker_open").Inc()
		return "", false
	}
	allowed, err := r.kvs.AllowRate(ctx, generatorRateKey, r.rateLimit, time.Minute)
	if err != nil {
		r.logger.Warn("generator rate check", zap.Error(err))
	}
	if !allowed {
		r.metrics.GeneratorCalls.WithLabelValues("rate_limited").Inc()
		return "", false
	}

	body, err := r.generator.Generate(ctx, Prompt{
		Topic:          details.Topic,
		Subtopic:       details.Subtopic,
		Kind:           string(ev.Kind),
		CognitiveEvent: ev.CognitiveEvent,
	})
	if err != nil {
		r.breaker.Failure(ctx)
		r.metrics.GeneratorCalls.WithLabelValues("error").Inc()
		r.logger.Warn("generator call failed", zap.Error(err))
		return "", false
	}
	r.breaker.Success(ctx)
	r.metrics.GeneratorCalls.WithLabelValues("ok").Inc()
	return body, true
}

// HandleEvaluation evicts generated content that graded negative, so the
// next intervention in the same slot regenerates instead of repeating a
// message that did not help.
func (r *Resolver) HandleEvaluation(ctx context.Context, data []byte) error {
	var ev wire.EvaluationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("malformed evaluation event", zap.Error(err))
		return broker.ErrDrop
	}
	if ev.Result != "negative" {
		return nil
	}

	ref := refKey(ev.InterventionID)
	cacheKey, ok, err := r.kvs.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("reading content ref for %s: %w", ev.InterventionID, err)
	}
	if !ok {
		return nil
	}
	if err := r.kvs.Delete(ctx, cacheKey, ref); err != nil {
		return fmt.Errorf("evicting content for %s: %w", ev.InterventionID, err)
	}
	r.logger.Info("evicted ineffective generated content",
		zap.String("intervention_id", ev.InterventionID))
	return nil
}

// HandleCacheInvalidation drops the named keys from the shared store.
func (r *Resolver) HandleCacheInvalidation(ctx context.Context, data []byte) error {
	var inv wire.CacheInvalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		r.logger.Warn("malformed cache invalidation", zap.Error(err))
		return broker.ErrDrop
	}
	if len(inv.Keys) == 0 {
		return nil
	}
	if err := r.kvs.Delete(ctx, inv.Keys...); err != nil {
		return fmt.Errorf("invalidating %d keys: %w", len(inv.Keys), err)
	}
	r.logger.Info("cache invalidated", zap.Int("keys", len(inv.Keys)))
	return nil
}

// actionFor maps an intervention kind to the client action vocabulary.
// Frustrated students get encouragement rather than instructions.
func actionFor(kind wire.Kind, cognitiveEvent string) string {
	switch kind {
	case wire.KindPause:
		return "pausa"
	case wire.KindVibration:
		return "distraccion"
	case wire.KindInstruction:
		if cognitiveEvent == "frustration" {
			return "motivacion"
		}
		return "instruccion"
	}
	return "instruccion"
}

// vibrationFor configures the haptic cue per kind.
func vibrationFor(kind wire.Kind, cognitiveEvent string) wire.Vibration {
	switch kind {
	case wire.KindVibration:
		intensity := "media"
		if cognitiveEvent == "heavy_distraction" {
			intensity = "alta"
		}
		return wire.Vibration{Activate: true, DurationMS: 400, Intensity: intensity}
	case wire.KindPause:
		return wire.Vibration{Activate: true, DurationMS: 200, Intensity: "baja"}
	}
	return wire.Vibration{}
}
