package resolver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
)

// Breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// Breaker tunables.
const (
	breakerThreshold = 5
	breakerRecovery  = 60 * time.Second
	breakerProbes    = 3
)

type breakerRecord struct {
	State               string    `json:"state"`
	Failures            int       `json:"failures"`
	LastFailure         time.Time `json:"last_failure_time"`
	Probes              int       `json:"probes"`
	SuccessesInHalfOpen int       `json:"successes_in_half_open"`
}

// Breaker is a circuit breaker for the content generator. State lives in
// the shared KV so every resolver instance sees the same verdict: when
// one instance trips it, all of them stop calling.
type Breaker struct {
	store   kv.Store
	key     string
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewBreaker creates a breaker persisting under circuit_breaker:<name>.
func NewBreaker(store kv.Store, name string, metrics *telemetry.Metrics, logger *zap.Logger) *Breaker {
	return &Breaker{
		store:   store,
		key:     kv.PrefixCircuitBreaker + name,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the breaker's clock for tests.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

func (b *Breaker) load(ctx context.Context) breakerRecord {
	var rec breakerRecord
	ok, err := kv.GetJSON(ctx, b.store, b.key, &rec)
	if err != nil {
		b.logger.Warn("reading breaker state", zap.Error(err))
	}
	if !ok || rec.State == "" {
		rec = breakerRecord{State: breakerClosed}
	}
	return rec
}

func (b *Breaker) save(ctx context.Context, rec breakerRecord) {
	if err := kv.SetJSON(ctx, b.store, b.key, rec, kv.TTLCircuitBreaker); err != nil {
		b.logger.Warn("writing breaker state", zap.Error(err))
	}
	switch rec.State {
	case breakerClosed:
		b.metrics.BreakerState.Set(0)
	case breakerHalfOpen:
		b.metrics.BreakerState.Set(1)
	case breakerOpen:
		b.metrics.BreakerState.Set(2)
	}
}

// Allow reports whether a generator call may proceed. An open breaker
// flips to half-open after the recovery window and admits a bounded
// number of probes.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.load(ctx)
	switch rec.State {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(rec.LastFailure) < breakerRecovery {
			return false
		}
		rec.State = breakerHalfOpen
		rec.Probes = 1
		b.save(ctx, rec)
		b.logger.Info("breaker half-open, probing generator")
		return true
	case breakerHalfOpen:
		if rec.Probes >= breakerProbes {
			return false
		}
		rec.Probes++
		b.save(ctx, rec)
		return true
	}
	return true
}

// Success records a good generator call. While half-open the breaker
// closes only once every probe has succeeded; a closed breaker just
// clears its failure count.
func (b *Breaker) Success(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.load(ctx)
	switch rec.State {
	case breakerHalfOpen:
		rec.SuccessesInHalfOpen++
		if rec.SuccessesInHalfOpen < breakerProbes {
			b.save(ctx, rec)
			return
		}
		b.save(ctx, breakerRecord{State: breakerClosed})
		b.logger.Info("breaker closed after successful probes")
	default:
		if rec.State == breakerClosed && rec.Failures == 0 {
			return
		}
		b.save(ctx, breakerRecord{State: breakerClosed})
	}
}

// Failure records a failed generator call; at the threshold the breaker
// opens, and any failure while half-open reopens it immediately.
func (b *Breaker) Failure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.load(ctx)
	switch rec.State {
	case breakerHalfOpen:
		b.save(ctx, breakerRecord{State: breakerOpen, LastFailure: b.now()})
		b.logger.Warn("breaker reopened after failed probe")
	default:
		rec.Failures++
		if rec.Failures >= breakerThreshold {
			b.save(ctx, breakerRecord{State: breakerOpen, LastFailure: b.now()})
			b.logger.Warn("breaker opened",
				zap.Int("consecutive_failures", rec.Failures))
			return
		}
		rec.State = breakerClosed
		rec.LastFailure = b.now()
		b.save(ctx, rec)
	}
}
