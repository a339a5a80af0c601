// Package evaluate grades fired interventions after a settling delay by
// diffing the stream's live state against the snapshot captured at fire
// time. Grades close the loop twice: they label the paired training
// sample and they feed the policy engine's escalation state.
package evaluate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/session"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// minPostFrames is the smallest post-intervention buffer worth grading;
// below it the stream view is mostly stale pre-intervention data.
const minPostFrames = 10

// Grading thresholds on the composite score.
const (
	improvedAt = 0.6
	worsenedAt = 0.4
)

// Component weights: the cognitive state transition dominates, raw
// feature deltas refine it.
const (
	stateWeight   = 0.6
	featureWeight = 0.4
)

// severity ranks cognitive states from worst to best. Scores are diffs
// on this scale, so only the ordering and spacing matter.
var severity = map[string]float64{
	"cognitive_overload": 0.0,
	"fatigue":            0.1,
	"frustration":        0.2,
	"heavy_distraction":  0.3,
	"confusion":          0.4,
	"light_distraction":  0.6,
	"engaged":            1.0,
	"initializing":       0.5,
}

func severityOf(state string) float64 {
	if s, ok := severity[state]; ok {
		return s
	}
	return 0.5
}

// Stream is the live-stream surface the evaluator reads and feeds back
// into.
type Stream interface {
	View() session.PostView
	IneffectiveInstruction()
}

// Streams locates the live stream for an intervention, if this node
// still owns it.
type Streams interface {
	Find(sessionID, activityUUID string) (Stream, bool)
}

// Publisher is the slice of the broker the evaluator publishes on.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Evaluator sweeps pending interventions and grades the settled ones.
// Several workers grade concurrently; the store's compare-and-set on the
// pending result keeps each grade at most once even across instances.
type Evaluator struct {
	store     *store.Store
	streams   Streams
	publisher Publisher
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	delay      time.Duration
	sweepEvery time.Duration
	workers    int

	now func() time.Time
}

// Config sizes one evaluator.
type Config struct {
	Delay      time.Duration
	SweepEvery time.Duration
	Workers    int
}

// New creates an evaluator. Call Run to start sweeping.
func New(st *store.Store, streams Streams, pub Publisher, metrics *telemetry.Metrics, logger *zap.Logger, cfg Config) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Evaluator{
		store:      st,
		streams:    streams,
		publisher:  pub,
		metrics:    metrics,
		logger:     logger.Named("evaluate"),
		delay:      cfg.Delay,
		sweepEvery: cfg.SweepEvery,
		workers:    cfg.Workers,
		now:        time.Now,
	}
}

// SetClock overrides the evaluator's clock for tests.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Run sweeps until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep grades every settled pending intervention once. Exported so
// tests can drive it directly.
func (e *Evaluator) Sweep(ctx context.Context) {
	cutoff := e.now().Add(-e.delay)
	pending, err := e.store.PendingBefore(ctx, cutoff, e.workers*8)
	if err != nil {
		e.logger.Error("listing pending interventions", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	work := make(chan store.Intervention)
	done := make(chan struct{})
	for i := 0; i < e.workers; i++ {
		go func() {
			for iv := range work {
				e.evaluate(ctx, &iv)
			}
			done <- struct{}{}
		}()
	}
	for _, iv := range pending {
		select {
		case work <- iv:
		case <-ctx.Done():
		}
	}
	close(work)
	for i := 0; i < e.workers; i++ {
		<-done
	}
}

// evaluate grades one intervention. Interventions whose stream is gone
// or not yet settled stay pending and are retried on the next sweep.
func (e *Evaluator) evaluate(ctx context.Context, iv *store.Intervention) {
	stream, ok := e.streams.Find(iv.SessionID, iv.ActivityUUID)
	if !ok {
		return
	}
	view := stream.View()
	if view.BufferLen < minPostFrames {
		return
	}

	score := Score(iv, &view)
	result := grade(score)

	won, err := e.store.CompleteEvaluation(ctx, iv.ID, result, e.now())
	if err != nil {
		e.logger.Error("completing evaluation",
			zap.String("intervention_id", iv.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}
	e.metrics.Evaluations.WithLabelValues(string(result)).Inc()

	// A worsened intervention was noise: unlabel its sample so it never
	// trains the model. Worsened instructions additionally raise the
	// policy escalation counter so the next instruction becomes a pause.
	if result == wire.ResultWorsened {
		if err := e.store.RelabelSampleNone(ctx, iv.ID); err != nil {
			e.logger.Warn("relabeling ineffective sample",
				zap.String("intervention_id", iv.ID), zap.Error(err))
		}
		if iv.Kind == wire.KindInstruction {
			stream.IneffectiveInstruction()
		}
	}

	event := wire.EvaluationEvent{
		InterventionID: iv.ID,
		SessionID:      iv.SessionID,
		ActivityUUID:   iv.ActivityUUID,
		Kind:           iv.Kind,
		Result:         eventResult(result),
		Score:          score,
		EvaluatedAt:    e.now(),
	}
	if err := e.publisher.Publish(ctx, wire.SubjectEvaluations, event); err != nil {
		e.metrics.PublishFailures.WithLabelValues(wire.SubjectEvaluations).Inc()
		e.logger.Warn("publishing evaluation event",
			zap.String("intervention_id", iv.ID), zap.Error(err))
	}

	e.logger.Info("intervention graded",
		zap.String("intervention_id", iv.ID),
		zap.String("kind", string(iv.Kind)),
		zap.String("result", string(result)),
		zap.Float64("score", score))
}

// Score computes the composite effectiveness score in [0,1]: a weighted
// blend of the cognitive state transition and a kind-specific feature
// delta, each normalized so 0.5 means no change.
func Score(iv *store.Intervention, view *session.PostView) float64 {
	pre := &iv.ContextSnapshot
	stateComponent := clip((severityOf(view.State) - severityOf(pre.State) + 1) / 2)

	attentionDelta := clip((view.Attention - pre.AttentionPre + 1) / 2)
	calmingDelta := clip((pre.NegativePre - view.Negative + 1) / 2)

	var featureComponent float64
	switch iv.Kind {
	case wire.KindVibration:
		featureComponent = attentionDelta
	case wire.KindInstruction:
		featureComponent = calmingDelta
	case wire.KindPause:
		featureComponent = (attentionDelta + calmingDelta) / 2
	default:
		featureComponent = 0.5
	}

	return stateWeight*stateComponent + featureWeight*featureComponent
}

func grade(score float64) wire.Result {
	switch {
	case score >= improvedAt:
		return wire.ResultImproved
	case score < worsenedAt:
		return wire.ResultWorsened
	default:
		return wire.ResultNoChange
	}
}

// eventResult maps the stored result to the wire vocabulary consumed by
// the content resolver's cache eviction.
func eventResult(r wire.Result) string {
	switch r {
	case wire.ResultImproved:
		return "positive"
	case wire.ResultWorsened:
		return "negative"
	default:
		return "neutral"
	}
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
