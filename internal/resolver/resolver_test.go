package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindstreamlabs/cognitived/internal/broker"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/logging"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

type fakeRPC struct {
	mu      sync.Mutex
	details *wire.ActivityDetails
	err     error
	calls   int
}

func (f *fakeRPC) Request(_ context.Context, _ string, setMeta func(correlationID, replyTo string) any, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_ = setMeta("cid-1", "inbox-1")
	if f.err != nil {
		return nil, f.err
	}
	return wire.Encode(f.details), nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	body    string
	err     error
	calls   int
	prompts []Prompt
}

func (f *fakeGenerator) Generate(_ context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, p)
	if f.err != nil {
		return "", f.err
	}
	return f.body, nil
}

type recPublisher struct {
	mu   sync.Mutex
	recs []wire.Recommendation
	fail bool
}

func (p *recPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("broker down")
	}
	if subject == wire.SubjectRecommendations {
		p.recs = append(p.recs, v.(wire.Recommendation))
	}
	return nil
}

func (p *recPublisher) all() []wire.Recommendation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Recommendation(nil), p.recs...)
}

type resolverHarness struct {
	db  *store.Store
	kvm *kv.Memory
	rpc *fakeRPC
	gen *fakeGenerator
	pub *recPublisher
	r   *Resolver
}

func newResolverHarness(t *testing.T, rateLimit int, withGenerator bool) *resolverHarness {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &resolverHarness{
		db:  db,
		kvm: kv.NewMemory(),
		rpc: &fakeRPC{details: &wire.ActivityDetails{
			ActivityUUID: "a1",
			Topic:        "algebra",
			Subtopic:     "ecuaciones",
			ActivityType: "quiz",
			Name:         "Ecuaciones lineales",
		}},
		gen: &fakeGenerator{body: "Respira hondo y vuelve a intentarlo."},
		pub: &recPublisher{},
	}
	metrics := telemetry.NewForTest()
	logger := logging.NewNop()
	details := NewDetailsClient(h.kvm, h.rpc, time.Second, metrics, logger)
	breaker := NewBreaker(h.kvm, "generator", metrics, logger)

	var gen Generator
	if withGenerator {
		gen = h.gen
	}
	h.r = New(db, h.kvm, details, gen, breaker, h.pub, metrics, logger, rateLimit)
	return h
}

func interventionEvent(id string, kind wire.Kind, cognitiveEvent string) []byte {
	return wire.Encode(wire.InterventionEvent{
		InterventionID:     id,
		SessionID:          "s1",
		ActivityUUID:       "a1",
		ExternalActivityID: 7,
		UserID:             99,
		Kind:               kind,
		Confidence:         0.8,
		CognitiveEvent:     cognitiveEvent,
		StateStability:     0.9,
		FiredAt:            time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
}

func TestHandleIntervention_MalformedDropped(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	err := h.r.HandleIntervention(context.Background(), []byte("{bad"))
	assert.ErrorIs(t, err, broker.ErrDrop)
}

func TestHandleIntervention_UnusableKindDropped(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	err := h.r.HandleIntervention(context.Background(), interventionEvent("iv1", wire.KindNone, "engaged"))
	assert.ErrorIs(t, err, broker.ErrDrop)
	err = h.r.HandleIntervention(context.Background(), interventionEvent("iv2", "explosion", "engaged"))
	assert.ErrorIs(t, err, broker.ErrDrop)
}

func TestHandleIntervention_VibrationNeedsNoContent(t *testing.T) {
	h := newResolverHarness(t, 10, false)
	h.rpc.err = errors.New("session service down") // degraded details

	err := h.r.HandleIntervention(context.Background(),
		interventionEvent("iv1", wire.KindVibration, "heavy_distraction"))
	require.NoError(t, err)

	recs := h.pub.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "distraccion", rec.Action)
	assert.Equal(t, "iv1", rec.InterventionID)
	assert.True(t, rec.Vibration.Activate)
	assert.Equal(t, 400, rec.Vibration.DurationMS)
	assert.Equal(t, "alta", rec.Vibration.Intensity)
	assert.NotEmpty(t, rec.Content.Body)
	assert.Equal(t, "heavy_distraction", rec.Metadata.CognitiveEvent)
}

func TestHandleIntervention_CatalogHitSkipsGenerator(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	require.NoError(t, h.db.InsertCatalogEntry(context.Background(), &store.CatalogEntry{
		Topic: "algebra", Subtopic: "ecuaciones", Kind: wire.KindInstruction,
		CognitiveEvent: "confusion", Body: "Revisa el ejemplo resuelto.",
	}))

	err := h.r.HandleIntervention(context.Background(),
		interventionEvent("iv1", wire.KindInstruction, "confusion"))
	require.NoError(t, err)

	recs := h.pub.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "Revisa el ejemplo resuelto.", recs[0].Content.Body)
	assert.Equal(t, "instruccion", recs[0].Action)
	assert.Zero(t, h.gen.calls)
}

func TestHandleIntervention_FrustrationGetsMotivation(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	require.NoError(t, h.db.InsertCatalogEntry(context.Background(), &store.CatalogEntry{
		Topic: "algebra", Kind: wire.KindInstruction, Body: "¡Lo estás haciendo bien!",
	}))

	err := h.r.HandleIntervention(context.Background(),
		interventionEvent("iv1", wire.KindInstruction, "frustration"))
	require.NoError(t, err)

	recs := h.pub.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "motivacion", recs[0].Action)
}

func TestHandleIntervention_GeneratedContentIsCached(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv1", wire.KindInstruction, "confusion")))
	require.Equal(t, 1, h.gen.calls)
	assert.Equal(t, "confusion", h.gen.prompts[0].CognitiveEvent)
	assert.Equal(t, "algebra", h.gen.prompts[0].Topic)

	// A second intervention in the same slot is served from the cache.
	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv2", wire.KindInstruction, "confusion")))
	assert.Equal(t, 1, h.gen.calls)

	recs := h.pub.all()
	require.Len(t, recs, 2)
	assert.Equal(t, h.gen.body, recs[0].Content.Body)
	assert.Equal(t, h.gen.body, recs[1].Content.Body)

	// Both interventions carry an eviction ref to the shared slot.
	for _, id := range []string{"iv1", "iv2"} {
		_, ok, err := h.kvm.Get(ctx, refKey(id))
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func TestHandleIntervention_CatalogWinsOverCachedContent(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()

	// First intervention misses the catalog, generates and caches a body.
	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv1", wire.KindInstruction, "confusion")))
	require.Equal(t, 1, h.gen.calls)

	// A catalog entry authored afterwards takes effect immediately; the
	// cached generated body does not shadow it.
	require.NoError(t, h.db.InsertCatalogEntry(ctx, &store.CatalogEntry{
		Topic: "algebra", Kind: wire.KindInstruction, Body: "Lee la pista del paso dos.",
	}))
	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv2", wire.KindInstruction, "confusion")))

	recs := h.pub.all()
	require.Len(t, recs, 2)
	assert.Equal(t, "Lee la pista del paso dos.", recs[1].Content.Body)
	assert.Equal(t, 1, h.gen.calls)
}

func TestHandleIntervention_UnresolvableDropped(t *testing.T) {
	h := newResolverHarness(t, 10, false) // no generator, empty catalog
	err := h.r.HandleIntervention(context.Background(),
		interventionEvent("iv1", wire.KindInstruction, "confusion"))
	assert.ErrorIs(t, err, broker.ErrDrop)
	assert.Empty(t, h.pub.all())
}

func TestHandleIntervention_GeneratorRateCapped(t *testing.T) {
	h := newResolverHarness(t, 1, true)
	ctx := context.Background()

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv1", wire.KindInstruction, "confusion")))

	// A different slot misses the cache and hits the fleet-wide cap.
	err := h.r.HandleIntervention(ctx,
		interventionEvent("iv2", wire.KindInstruction, "fatigue"))
	assert.ErrorIs(t, err, broker.ErrDrop)
	assert.Equal(t, 1, h.gen.calls)
}

func TestHandleIntervention_PublishFailureRequeues(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	h.pub.fail = true

	err := h.r.HandleIntervention(context.Background(),
		interventionEvent("iv1", wire.KindVibration, "light_distraction"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, broker.ErrDrop)
}

func TestHandleEvaluation_NegativeEvictsGeneratedContent(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv1", wire.KindInstruction, "confusion")))
	require.Equal(t, 1, h.gen.calls)

	require.NoError(t, h.r.HandleEvaluation(ctx, wire.Encode(wire.EvaluationEvent{
		InterventionID: "iv1",
		SessionID:      "s1",
		ActivityUUID:   "a1",
		Kind:           wire.KindInstruction,
		Result:         "negative",
		Score:          0.2,
	})))

	// Slot and ref are gone; the next intervention regenerates.
	_, ok, err := h.kvm.Get(ctx, refKey("iv1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv3", wire.KindInstruction, "confusion")))
	assert.Equal(t, 2, h.gen.calls)
}

func TestHandleEvaluation_PositiveKeepsContent(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv1", wire.KindInstruction, "confusion")))

	require.NoError(t, h.r.HandleEvaluation(ctx, wire.Encode(wire.EvaluationEvent{
		InterventionID: "iv1", Result: "positive", Score: 0.9,
	})))

	require.NoError(t, h.r.HandleIntervention(ctx,
		interventionEvent("iv2", wire.KindInstruction, "confusion")))
	assert.Equal(t, 1, h.gen.calls, "cached content survives a positive grade")
}

func TestHandleEvaluation_MalformedDropped(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	err := h.r.HandleEvaluation(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, broker.ErrDrop)
}

func TestHandleCacheInvalidation(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()
	require.NoError(t, h.kvm.Set(ctx, "k1", "v", 0))
	require.NoError(t, h.kvm.Set(ctx, "k2", "v", 0))

	require.NoError(t, h.r.HandleCacheInvalidation(ctx, wire.Encode(wire.CacheInvalidation{
		Keys: []string{"k1", "k2"},
	})))

	_, ok, _ := h.kvm.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = h.kvm.Get(ctx, "k2")
	assert.False(t, ok)

	err := h.r.HandleCacheInvalidation(ctx, []byte("{bad"))
	assert.ErrorIs(t, err, broker.ErrDrop)
}

func TestDetailsClient_CachesReplies(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	ctx := context.Background()

	metrics := telemetry.NewForTest()
	dc := NewDetailsClient(h.kvm, h.rpc, time.Second, metrics, logging.NewNop())

	d, ok := dc.Get(ctx, "a1")
	require.True(t, ok)
	assert.Equal(t, "algebra", d.Topic)
	assert.Equal(t, 1, h.rpc.calls)

	// Second read comes from the cache.
	_, ok = dc.Get(ctx, "a1")
	require.True(t, ok)
	assert.Equal(t, 1, h.rpc.calls)
}

func TestDetailsClient_DegradesOnRPCFailure(t *testing.T) {
	h := newResolverHarness(t, 10, true)
	h.rpc.err = context.DeadlineExceeded

	dc := NewDetailsClient(h.kvm, h.rpc, time.Second, telemetry.NewForTest(), logging.NewNop())
	d, ok := dc.Get(context.Background(), "a1")
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, "pausa", actionFor(wire.KindPause, "fatigue"))
	assert.Equal(t, "distraccion", actionFor(wire.KindVibration, "light_distraction"))
	assert.Equal(t, "motivacion", actionFor(wire.KindInstruction, "frustration"))
	assert.Equal(t, "instruccion", actionFor(wire.KindInstruction, "confusion"))
}

func TestVibrationFor(t *testing.T) {
	v := vibrationFor(wire.KindVibration, "light_distraction")
	assert.Equal(t, "media", v.Intensity)
	v = vibrationFor(wire.KindVibration, "heavy_distraction")
	assert.Equal(t, "alta", v.Intensity)
	v = vibrationFor(wire.KindPause, "fatigue")
	assert.True(t, v.Activate)
	assert.Equal(t, "baja", v.Intensity)
	assert.False(t, vibrationFor(wire.KindInstruction, "confusion").Activate)
}
