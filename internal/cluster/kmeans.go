// Package cluster implements the online cognitive state detector: a
// mini-batch k-means over base feature vectors whose centroids map onto
// seven fixed, human-readable cognitive states.
//
// The model is per-process and shared by every stream on the node; it is
// rebuilt from the live feature flow after a restart and only its
// metadata snapshot is persisted, off the hot path.
package cluster

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mindstreamlabs/cognitived/internal/feature"
)

// K is the number of cognitive states tracked by the detector.
const K = 7

// StateInitializing is reported until the model has bootstrapped.
const StateInitializing = "initializing"

// The seven cognitive state labels.
const (
	StateEngaged           = "engaged"
	StateLightDistraction  = "light_distraction"
	StateHeavyDistraction  = "heavy_distraction"
	StateConfusion         = "confusion"
	StateFrustration       = "frustration"
	StateCognitiveOverload = "cognitive_overload"
	StateFatigue           = "fatigue"
)

// historyCap bounds the bootstrap sample history.
const historyCap = 512

// Centroid is a labeled cluster center, exported for persistence and
// telemetry.
type Centroid struct {
	ClusterID   int
	Label       string
	Center      []float64
	SampleCount int
}

// Detector is a thread-safe incremental clusterer. Observe is cheap
// enough for the hot path; it holds the mutex only for slice arithmetic.
type Detector struct {
	mu          sync.Mutex
	minSamples  int
	updateEvery int

	history   [][]float64
	centroids [][]float64
	counts    []int
	labels    []string
	seen      int
	ready     bool
	rng       *rand.Rand
}

// New creates a detector that bootstraps after minSamples observations
// and refreshes its centroid labels every updateEvery observations.
func New(minSamples, updateEvery int, seed int64) *Detector {
	if minSamples < K {
		minSamples = K
	}
	if updateEvery < 1 {
		updateEvery = 1
	}
	return &Detector{
		minSamples:  minSamples,
		updateEvery: updateEvery,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Ready reports whether the model has bootstrapped.
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Observe folds one feature vector into the model and returns the
// cognitive state it falls in, or StateInitializing while bootstrapping.
func (d *Detector) Observe(v []float64) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen++

	if !d.ready {
		if len(d.history) < historyCap {
			d.history = append(d.history, append([]float64(nil), v...))
		}
		if len(d.history) >= d.minSamples {
			d.bootstrap()
		}
		if !d.ready {
			return StateInitializing
		}
	}

	c := d.nearest(v)

	// Standard mini-batch update: per-centroid learning rate 1/count.
	d.counts[c]++
	eta := 1 / float64(d.counts[c])
	for i := range d.centroids[c] {
		d.centroids[c][i] += eta * (v[i] - d.centroids[c][i])
	}

	if d.seen%d.updateEvery == 0 {
		d.relabel()
	}
	return d.labels[c]
}

// Predict returns the state for a vector without updating the model.
func (d *Detector) Predict(v []float64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return StateInitializing
	}
	return d.labels[d.nearest(v)]
}

// Snapshot exports the labeled centroids for persistence.
func (d *Detector) Snapshot() []Centroid {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil
	}
	out := make([]Centroid, K)
	for i := range d.centroids {
		out[i] = Centroid{
			ClusterID:   i,
			Label:       d.labels[i],
			Center:      append([]float64(nil), d.centroids[i]...),
			SampleCount: d.counts[i],
		}
	}
	return out
}

// bootstrap seeds K centroids from the history and runs a few refinement
// passes, then discards the history.
func (d *Detector) bootstrap() {
	d.centroids = make([][]float64, K)
	d.counts = make([]int, K)

	// Seed with distinct random history samples.
	perm := d.rng.Perm(len(d.history))
	for i := 0; i < K; i++ {
		d.centroids[i] = append([]float64(nil), d.history[perm[i]]...)
		d.counts[i] = 1
	}

	// A handful of Lloyd passes over the bootstrap history is enough to
	// stabilize the initial assignment.
	for pass := 0; pass < 5; pass++ {
		sums := make([][]float64, K)
		sizes := make([]int, K)
		for i := range sums {
			sums[i] = make([]float64, len(d.centroids[0]))
		}
		for _, v := range d.history {
			c := d.nearest(v)
			sizes[c]++
			for i := range v {
				sums[c][i] += v[i]
			}
		}
		for c := 0; c < K; c++ {
			if sizes[c] == 0 {
				continue
			}
			for i := range sums[c] {
				d.centroids[c][i] = sums[c][i] / float64(sizes[c])
			}
			d.counts[c] = sizes[c]
		}
	}

	d.history = nil
	d.ready = true
	d.relabel()
}

func (d *Detector) nearest(v []float64) int {
	best, bestDist := 0, math.MaxFloat64
	for c := range d.centroids {
		var dist float64
		for i := range v {
			diff := v[i] - d.centroids[c][i]
			dist += diff * diff
		}
		if dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}

// relabel maps each centroid to a cognitive state from its feature
// profile. Multiple centroids may share a label; the detector reports
// states, not cluster identities.
func (d *Detector) relabel() {
	if d.labels == nil {
		d.labels = make([]string, K)
	}
	for c, center := range d.centroids {
		d.labels[c] = labelFor(center)
	}
}

func labelFor(center []float64) string {
	negative := (center[feature.IdxAnger] + center[feature.IdxContempt] +
		center[feature.IdxDisgust] + center[feature.IdxSadness]) / 4
	confusionCue := (center[feature.IdxSurprise] + center[feature.IdxFear]) / 2
	attention := (center[feature.IdxLooking] + (1 - center[feature.IdxAsleep])) / 2
	drowsy := center[feature.IdxAsleep] + (1 - center[feature.IdxEyeOpenness])

	switch {
	case drowsy > 0.8:
		return StateFatigue
	case negative > 0.5 && attention < 0.4:
		return StateCognitiveOverload
	case negative > 0.35:
		return StateFrustration
	case confusionCue > 0.3:
		return StateConfusion
	case attention < 0.4:
		return StateHeavyDistraction
	case attention < 0.7:
		return StateLightDistraction
	default:
		return StateEngaged
	}
}

// stabilityWindow is the trailing window used for the stability score.
const stabilityWindow = 10

// Tracker follows one stream's detector output: the current state, how
// long it has persisted, and the fraction of the trailing window that
// agrees with the dominant state.
type Tracker struct {
	window  []string
	current string
	since   time.Time
}

// NewTracker creates an empty per-stream tracker.
func NewTracker() *Tracker {
	return &Tracker{current: StateInitializing}
}

// Push records a detector state observed at now.
func (t *Tracker) Push(state string, now time.Time) {
	t.window = append(t.window, state)
	if len(t.window) > stabilityWindow {
		t.window = t.window[1:]
	}
	if state != t.current {
		t.current = state
		t.since = now
	} else if t.since.IsZero() {
		t.since = now
	}
}

// Current returns the present state.
func (t *Tracker) Current() string { return t.current }

// Duration returns how long the present state has persisted.
func (t *Tracker) Duration(now time.Time) time.Duration {
	if t.since.IsZero() {
		return 0
	}
	return now.Sub(t.since)
}

// Stability is the fraction of the trailing window sharing the dominant
// state. An empty window reports zero.
func (t *Tracker) Stability() float64 {
	if len(t.window) == 0 {
		return 0
	}
	counts := make(map[string]int, 4)
	for _, s := range t.window {
		counts[s]++
	}
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(len(t.window))
}

// Dominant returns the most frequent state in the trailing window.
func (t *Tracker) Dominant() string {
	if len(t.window) == 0 {
		return StateInitializing
	}
	counts := make(map[string]int, 4)
	for _, s := range t.window {
		counts[s]++
	}
	best, bestN := StateInitializing, 0
	for s, n := range counts {
		if n > bestN {
			best, bestN = s, n
		}
	}
	return best
}
