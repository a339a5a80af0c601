// Package classifier turns a (sequence, context) pair into an
// intervention decision.
//
// The primary path calls a served model; when no model is configured the
// synthetic rule ladder stands in. Classifier failures are never fatal to
// a stream: the resilient wrapper degrades to NONE.
package classifier

import (
	"context"

	"github.com/mindstreamlabs/cognitived/internal/feature"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Input is one classification request: the full feature window, the
// 6-float cooldown context, and the fraction of window frames with a
// detected face.
type Input struct {
	Window    [][]float64
	Context   []float64
	FaceRatio float64
}

// Decision is the classifier output.
type Decision struct {
	Kind       wire.Kind
	Confidence float64
}

// Classifier maps an input window to an intervention decision.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Decision, error)
}

// Synthetic rule thresholds.
const (
	frustrationPauseThreshold       = 0.4
	frustrationInstructionThreshold = 0.35
	attentionPauseThreshold         = 0.5
	attentionVibrationThreshold     = 0.6
	drowsinessVibrationThreshold    = 0.5
	noneConfidence                  = 0.8
	baseConfidence                  = 0.6
	severityWeight                  = 0.3
	maxConfidence                   = 0.95
)

// Synthetic is the rule-ladder classifier used when no model is loaded.
// It derives frustration, attention and drowsiness scores from the
// window and walks a fixed decision ladder.
type Synthetic struct{}

// Classify implements Classifier. It never returns an error.
func (Synthetic) Classify(_ context.Context, in Input) (Decision, error) {
	frustration := feature.FrustrationMean(in.Window)
	attention := feature.AttentionScore(in.Window, in.FaceRatio)
	drowsiness := feature.DrowsinessScore(in.Window)

	priorVibrations := int(in.Context[3]*10 + 0.5)
	priorInstructions := int(in.Context[4]*5 + 0.5)

	switch {
	case priorInstructions >= 1 && frustration >= frustrationPauseThreshold:
		return positive(wire.KindPause, frustration), nil
	case priorVibrations >= 2 && attention < attentionPauseThreshold:
		return positive(wire.KindPause, 1-attention), nil
	case frustration >= frustrationInstructionThreshold:
		return positive(wire.KindInstruction, frustration), nil
	case attention < attentionVibrationThreshold || drowsiness > drowsinessVibrationThreshold:
		severity := 1 - attention
		if d := drowsiness / 2; d > severity {
			severity = d
		}
		return positive(wire.KindVibration, severity), nil
	default:
		return Decision{Kind: wire.KindNone, Confidence: noneConfidence}, nil
	}
}

func positive(kind wire.Kind, severity float64) Decision {
	conf := baseConfidence + severity*severityWeight
	if conf > maxConfidence {
		conf = maxConfidence
	}
	return Decision{Kind: kind, Confidence: conf}
}
