// Package feature projects raw biometric frames into the fixed-layout
// numeric vectors consumed by the classifier and the state detector.
//
// Extraction is pure: the same frame always yields the same vector.
package feature

import (
	"strings"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Dim is the width of a base feature vector.
const Dim = 13

// Feature vector layout. Indices 0-7 are emotion probabilities in a fixed
// order; the remainder are attention and drowsiness signals.
const (
	IdxHappiness = iota
	IdxNeutral
	IdxSurprise
	IdxAnger
	IdxContempt
	IdxDisgust
	IdxFear
	IdxSadness
	IdxLooking
	IdxPitch
	IdxYaw
	IdxAsleep
	IdxEyeOpenness
)

// NegativeEmotionStart marks the first of the negative emotion indices
// (anger through sadness) used by effectiveness scoring.
const NegativeEmotionStart = IdxAnger

// emotionIndex maps the client-side emotion labels to vector slots. The
// client model emits Spanish labels; English aliases are accepted because
// some older clients ship them.
var emotionIndex = map[string]int{
	"felicidad":    IdxHappiness,
	"happiness":    IdxHappiness,
	"neutral":      IdxNeutral,
	"neutralidad":  IdxNeutral,
	"sorpresa":     IdxSurprise,
	"surprise":     IdxSurprise,
	"enojo":        IdxAnger,
	"ira":          IdxAnger,
	"anger":        IdxAnger,
	"desprecio":    IdxContempt,
	"contempt":     IdxContempt,
	"disgusto":     IdxDisgust,
	"asco":         IdxDisgust,
	"disgust":      IdxDisgust,
	"miedo":        IdxFear,
	"fear":         IdxFear,
	"tristeza":     IdxSadness,
	"sadness":      IdxSadness,
}

// Extract builds the 13-float base feature vector for a frame. Analysis
// toggles from the session config zero out the corresponding slots so a
// disabled signal never influences classification.
func Extract(f *wire.Frame, flags wire.SessionConfig) []float64 {
	v := make([]float64, Dim)

	if flags.AnalyzeEmotion {
		for _, e := range f.Sentiment.Breakdown {
			idx, ok := emotionIndex[strings.ToLower(e.Emotion)]
			if !ok {
				continue
			}
			v[idx] = clamp(e.Confidence/100, 0, 1)
		}
	}

	if flags.AnalyzeAttention {
		if f.Biometrics.Attention.LookingAtScreen {
			v[IdxLooking] = 1
		}
		v[IdxPitch] = clamp(f.Biometrics.Attention.HeadOrientation.Pitch/45, -1, 1)
		v[IdxYaw] = clamp(f.Biometrics.Attention.HeadOrientation.Yaw/45, -1, 1)
	}

	if flags.AnalyzeDrowsiness {
		if f.Biometrics.Drowsiness.Asleep {
			v[IdxAsleep] = 1
		}
		v[IdxEyeOpenness] = f.Biometrics.Drowsiness.EyeOpenness
	}

	return v
}

// DefaultFlags enables every analysis channel.
func DefaultFlags() wire.SessionConfig {
	return wire.SessionConfig{
		AnalyzeEmotion:    true,
		AnalyzeAttention:  true,
		AnalyzeDrowsiness: true,
	}
}

// ColumnMean averages one column across a window of feature vectors.
func ColumnMean(window [][]float64, col int) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, row := range window {
		sum += row[col]
	}
	return sum / float64(len(window))
}

// NegativeMean averages the negative emotion slots (anger through
// sadness) across a window.
func NegativeMean(window [][]float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, row := range window {
		for col := IdxAnger; col <= IdxSadness; col++ {
			sum += row[col]
		}
	}
	return sum / float64(len(window)*(IdxSadness-IdxAnger+1))
}

// FrustrationMean averages the frustration-linked emotion slots (anger,
// contempt, disgust, sadness) across a window. Fear is excluded: it
// tracks anxiety, not frustration, and counting it dilutes the score.
func FrustrationMean(window [][]float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, row := range window {
		sum += row[IdxAnger] + row[IdxContempt] + row[IdxDisgust] + row[IdxSadness]
	}
	return sum / float64(len(window)*4)
}

// AttentionScore computes the windowed attention signal: the mean of
// looking-at-screen, face presence and wakefulness.
func AttentionScore(window [][]float64, faceRatio float64) float64 {
	if len(window) == 0 {
		return 0
	}
	looking := ColumnMean(window, IdxLooking)
	awake := 1 - ColumnMean(window, IdxAsleep)
	return (looking + faceRatio + awake) / 3
}

// DrowsinessScore computes the windowed drowsiness signal.
func DrowsinessScore(window [][]float64) float64 {
	asleep := ColumnMean(window, IdxAsleep)
	eye := ColumnMean(window, IdxEyeOpenness)
	return asleep + (1 - eye)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 { return clamp(v, lo, hi) }
