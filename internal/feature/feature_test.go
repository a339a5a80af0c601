package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

func frameWith(breakdown []wire.EmotionScore) *wire.Frame {
	f := &wire.Frame{FaceDetected: true}
	f.Sentiment.Breakdown = breakdown
	f.Biometrics.Attention.LookingAtScreen = true
	f.Biometrics.Attention.HeadOrientation.Pitch = 10
	f.Biometrics.Attention.HeadOrientation.Yaw = -90
	f.Biometrics.Drowsiness.EyeOpenness = 0.8
	return f
}

func TestExtract_Layout(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "felicidad", Confidence: 80},
		{Emotion: "enojo", Confidence: 25},
		{Emotion: "tristeza", Confidence: 5},
	})

	v := Extract(f, DefaultFlags())
	require.Len(t, v, Dim)

	assert.InDelta(t, 0.8, v[IdxHappiness], 1e-9)
	assert.InDelta(t, 0.25, v[IdxAnger], 1e-9)
	assert.InDelta(t, 0.05, v[IdxSadness], 1e-9)
	assert.Equal(t, 1.0, v[IdxLooking])
	assert.InDelta(t, 10.0/45, v[IdxPitch], 1e-9)
	assert.Equal(t, -1.0, v[IdxYaw]) // -90/45 clamped
	assert.Equal(t, 0.0, v[IdxAsleep])
	assert.InDelta(t, 0.8, v[IdxEyeOpenness], 1e-9)
}

func TestExtract_EnglishAliases(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "Happiness", Confidence: 60},
		{Emotion: "ANGER", Confidence: 40},
	})
	v := Extract(f, DefaultFlags())
	assert.InDelta(t, 0.6, v[IdxHappiness], 1e-9)
	assert.InDelta(t, 0.4, v[IdxAnger], 1e-9)
}

func TestExtract_UnknownEmotionIgnored(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "nostalgia", Confidence: 99},
	})
	v := Extract(f, DefaultFlags())
	for i := IdxHappiness; i <= IdxSadness; i++ {
		assert.Equal(t, 0.0, v[i])
	}
}

func TestExtract_ConfidenceClamped(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "miedo", Confidence: 250},
		{Emotion: "asco", Confidence: -10},
	})
	v := Extract(f, DefaultFlags())
	assert.Equal(t, 1.0, v[IdxFear])
	assert.Equal(t, 0.0, v[IdxDisgust])
}

func TestExtract_DisabledChannelsStayZero(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "felicidad", Confidence: 100},
	})
	f.Biometrics.Drowsiness.Asleep = true

	flags := wire.SessionConfig{AnalyzeAttention: true}
	v := Extract(f, flags)

	assert.Equal(t, 0.0, v[IdxHappiness], "emotion analysis disabled")
	assert.Equal(t, 0.0, v[IdxAsleep], "drowsiness analysis disabled")
	assert.Equal(t, 1.0, v[IdxLooking], "attention analysis enabled")
}

func TestExtract_Deterministic(t *testing.T) {
	f := frameWith([]wire.EmotionScore{
		{Emotion: "sorpresa", Confidence: 33},
	})
	a := Extract(f, DefaultFlags())
	b := Extract(f, DefaultFlags())
	assert.Equal(t, a, b)
}

func TestNegativeMean(t *testing.T) {
	row := make([]float64, Dim)
	row[IdxAnger] = 0.5
	row[IdxSadness] = 0.5
	window := [][]float64{row, make([]float64, Dim)}

	// 1.0 summed over 2 rows x 5 negative slots.
	assert.InDelta(t, 0.1, NegativeMean(window), 1e-9)
	assert.Equal(t, 0.0, NegativeMean(nil))
}

func TestFrustrationMean_ExcludesFear(t *testing.T) {
	row := make([]float64, Dim)
	row[IdxAnger] = 0.4
	row[IdxContempt] = 0.4
	row[IdxDisgust] = 0.4
	row[IdxSadness] = 0.4
	row[IdxFear] = 1 // must not count
	window := [][]float64{row}

	assert.InDelta(t, 0.4, FrustrationMean(window), 1e-9)
	assert.Equal(t, 0.0, FrustrationMean(nil))
}

func TestAttentionScore(t *testing.T) {
	row := make([]float64, Dim)
	row[IdxLooking] = 1
	window := [][]float64{row}

	// looking=1, faceRatio=1, awake=1.
	assert.InDelta(t, 1.0, AttentionScore(window, 1), 1e-9)

	row[IdxAsleep] = 1
	assert.InDelta(t, 2.0/3, AttentionScore(window, 1), 1e-9)
	assert.Equal(t, 0.0, AttentionScore(nil, 1))
}

func TestDrowsinessScore(t *testing.T) {
	row := make([]float64, Dim)
	row[IdxAsleep] = 1
	row[IdxEyeOpenness] = 0.2
	window := [][]float64{row}
	assert.InDelta(t, 1.8, DrowsinessScore(window), 1e-9)
}
