// Package policy decides whether a proposed intervention may fire.
//
// The engine is pure and synchronous: it performs no I/O and keeps no
// mutable state of its own. All state lives in the per-stream
// SessionContext, which the owning stream persists to the shared KV store.
package policy

import (
	"time"

	"github.com/mindstreamlabs/cognitived/internal/feature"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// saturation horizon for the time-since components of the context vector.
const timeSinceSaturation = 300 * time.Second

// Count normalizers for the context vector.
const (
	vibrationCountScale   = 10
	instructionCountScale = 5
	pauseCountScale       = 3
)

// SessionContext is the per-stream cooldown state. It is reset whenever
// the stream switches to a different external activity.
type SessionContext struct {
	CurrentActivityID       int64                   `json:"current_external_activity_id"`
	LastFired               map[wire.Kind]time.Time `json:"last_fired"`
	Counts                  map[wire.Kind]int       `json:"counts"`
	IneffectiveInstructions int                     `json:"ineffective_instructions"`
}

// NewSessionContext creates a zeroed context for an activity.
func NewSessionContext(activityID int64) *SessionContext {
	return &SessionContext{
		CurrentActivityID: activityID,
		LastFired:         make(map[wire.Kind]time.Time),
		Counts:            make(map[wire.Kind]int),
	}
}

// Reset clears all cooldown state and switches to a new activity.
func (c *SessionContext) Reset(activityID int64) {
	c.CurrentActivityID = activityID
	c.LastFired = make(map[wire.Kind]time.Time)
	c.Counts = make(map[wire.Kind]int)
	c.IneffectiveInstructions = 0
}

// RecordFire marks an intervention of the given kind as fired at now.
func (c *SessionContext) RecordFire(kind wire.Kind, now time.Time) {
	if c.LastFired == nil {
		c.LastFired = make(map[wire.Kind]time.Time)
	}
	if c.Counts == nil {
		c.Counts = make(map[wire.Kind]int)
	}
	c.LastFired[kind] = now
	c.Counts[kind]++
}

// RecordIneffectiveInstruction notes that a past INSTRUCTION was graded
// WORSENED; repeated ineffective instructions escalate to PAUSE.
func (c *SessionContext) RecordIneffectiveInstruction() {
	c.IneffectiveInstructions++
}

// Count returns the fire count for a kind.
func (c *SessionContext) Count(kind wire.Kind) int {
	return c.Counts[kind]
}

// Vector builds the 6-float classifier context: normalized time since the
// last fire of each kind (saturating at 300s; never-fired reads as fully
// elapsed) and normalized fire counts, all clamped to [0,1].
func (c *SessionContext) Vector(now time.Time) []float64 {
	v := make([]float64, 6)
	kinds := [3]wire.Kind{wire.KindVibration, wire.KindInstruction, wire.KindPause}
	for i, kind := range kinds {
		last, ok := c.LastFired[kind]
		if !ok {
			v[i] = 1
			continue
		}
		v[i] = feature.Clamp(now.Sub(last).Seconds()/timeSinceSaturation.Seconds(), 0, 1)
	}
	v[3] = feature.Clamp(float64(c.Counts[wire.KindVibration])/vibrationCountScale, 0, 1)
	v[4] = feature.Clamp(float64(c.Counts[wire.KindInstruction])/instructionCountScale, 0, 1)
	v[5] = feature.Clamp(float64(c.Counts[wire.KindPause])/pauseCountScale, 0, 1)
	return v
}

// Engine gates interventions by per-kind cooldowns plus an optional
// cognitive-state overlay.
type Engine struct {
	cooldowns map[wire.Kind]time.Duration
}

// NewEngine creates an engine with the given per-kind cooldowns.
func NewEngine(vibration, instruction, pause time.Duration) *Engine {
	return &Engine{cooldowns: map[wire.Kind]time.Duration{
		wire.KindVibration:   vibration,
		wire.KindInstruction: instruction,
		wire.KindPause:       pause,
	}}
}

// Cooldown returns the configured cooldown for a kind.
func (e *Engine) Cooldown(kind wire.Kind) time.Duration {
	return e.cooldowns[kind]
}

// Allow reports whether kind may fire at now given the stream's cooldown
// state. NONE is never allowed. A kind exactly at its cooldown boundary
// is allowed (>= cooldown, not >).
func (e *Engine) Allow(kind wire.Kind, ctx *SessionContext, now time.Time) bool {
	if kind == wire.KindNone || !kind.Valid() {
		return false
	}
	last, ok := ctx.LastFired[kind]
	if !ok {
		return true
	}
	return now.Sub(last) >= e.cooldowns[kind]
}

// StateInfo is the detector view consumed by the overlay: the current
// cognitive state, how long it has persisted, and its stability over the
// trailing window.
type StateInfo struct {
	State     string
	Duration  time.Duration
	Stability float64
}

// Minimum persistence before a state justifies an intervention. States
// absent from the table carry no duration requirement.
var stateMinDuration = map[string]time.Duration{
	"heavy_distraction":  20 * time.Second,
	"confusion":          30 * time.Second,
	"frustration":        25 * time.Second,
	"cognitive_overload": 10 * time.Second,
	"fatigue":            120 * time.Second,
}

// Overlay denial reasons.
const (
	ReasonCooldown      = "cooldown"
	ReasonStateTooShort = "state_too_short"
	ReasonNone          = "kind_none"
)

// Apply runs the full gate: the severity-duration overlay, escalation
// rules, then the cooldown check on the (possibly rewritten) kind. The
// overlay is additive: a firing must pass both it and the cooldown.
//
// Returns the effective kind, whether it may fire, and a denial reason.
func (e *Engine) Apply(kind wire.Kind, ctx *SessionContext, st *StateInfo, now time.Time) (wire.Kind, bool, string) {
	if kind == wire.KindNone || !kind.Valid() {
		return kind, false, ReasonNone
	}

	if st != nil {
		// cognitive_overload overrides the classifier's choice.
		if st.State == "cognitive_overload" {
			kind = wire.KindPause
		}
		if min, ok := stateMinDuration[st.State]; ok && st.Duration < min {
			return kind, false, ReasonStateTooShort
		}
	}

	// A previously ineffective instruction escalates to a forced pause.
	if kind == wire.KindInstruction && ctx.IneffectiveInstructions > 0 {
		kind = wire.KindPause
	}

	if !e.Allow(kind, ctx, now) {
		return kind, false, ReasonCooldown
	}
	return kind, true, ""
}
