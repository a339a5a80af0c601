package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/feature"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// window builds a uniform window of n copies of one row.
func window(n int, edit func(row []float64)) [][]float64 {
	w := make([][]float64, n)
	for i := range w {
		row := make([]float64, feature.Dim)
		row[feature.IdxLooking] = 1
		row[feature.IdxEyeOpenness] = 0.9
		if edit != nil {
			edit(row)
		}
		w[i] = row
	}
	return w
}

func quietContext() []float64 { return []float64{1, 1, 1, 0, 0, 0} }

func TestSynthetic_EngagedYieldsNone(t *testing.T) {
	in := Input{Window: window(30, nil), Context: quietContext(), FaceRatio: 1}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, wire.KindNone, dec.Kind)
	assert.Equal(t, noneConfidence, dec.Confidence)
}

func TestSynthetic_FrustrationYieldsInstruction(t *testing.T) {
	in := Input{
		Window: window(30, func(row []float64) {
			row[feature.IdxAnger] = 0.9
			row[feature.IdxDisgust] = 0.9
		}),
		Context:   quietContext(),
		FaceRatio: 1,
	}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, wire.KindInstruction, dec.Kind)
	assert.Greater(t, dec.Confidence, baseConfidence)
}

func TestSynthetic_FrustrationBoundaryIgnoresFear(t *testing.T) {
	cases := []struct {
		name  string
		level float64
		fear  float64
		want  wire.Kind
	}{
		{"just above threshold", 0.36, 0, wire.KindInstruction},
		{"just above with high fear", 0.36, 0.9, wire.KindInstruction},
		{"well above threshold", 0.38, 0, wire.KindInstruction},
		{"just below threshold", 0.34, 0, wire.KindNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := Input{
				Window: window(30, func(row []float64) {
					row[feature.IdxAnger] = tc.level
					row[feature.IdxContempt] = tc.level
					row[feature.IdxDisgust] = tc.level
					row[feature.IdxSadness] = tc.level
					row[feature.IdxFear] = tc.fear
				}),
				Context:   quietContext(),
				FaceRatio: 1,
			}
			dec, err := Synthetic{}.Classify(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, dec.Kind)
		})
	}
}

func TestSynthetic_FrustrationAfterInstructionYieldsPause(t *testing.T) {
	ctxVec := quietContext()
	ctxVec[4] = 0.2 // one prior instruction
	in := Input{
		Window: window(30, func(row []float64) {
			row[feature.IdxAnger] = 0.9
			row[feature.IdxDisgust] = 0.9
			row[feature.IdxSadness] = 0.9
		}),
		Context:   ctxVec,
		FaceRatio: 1,
	}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, wire.KindPause, dec.Kind)
}

func TestSynthetic_InattentionYieldsVibration(t *testing.T) {
	in := Input{
		Window: window(30, func(row []float64) {
			row[feature.IdxLooking] = 0
		}),
		Context:   quietContext(),
		FaceRatio: 0,
	}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, wire.KindVibration, dec.Kind)
}

func TestSynthetic_RepeatedVibrationsEscalateToPause(t *testing.T) {
	ctxVec := quietContext()
	ctxVec[3] = 0.2 // two prior vibrations
	in := Input{
		Window: window(30, func(row []float64) {
			row[feature.IdxLooking] = 0
			row[feature.IdxAsleep] = 0.5
		}),
		Context:   ctxVec,
		FaceRatio: 0,
	}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, wire.KindPause, dec.Kind)
}

func TestSynthetic_ConfidenceCapped(t *testing.T) {
	in := Input{
		Window: window(30, func(row []float64) {
			row[feature.IdxLooking] = 0
			row[feature.IdxAsleep] = 1
			row[feature.IdxEyeOpenness] = 0
		}),
		Context:   quietContext(),
		FaceRatio: 0,
	}
	dec, err := Synthetic{}.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.LessOrEqual(t, dec.Confidence, maxConfidence)
}

func TestModelClient_Argmax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		var req modelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Context, 6)
		_ = json.NewEncoder(w).Encode(modelResponse{
			Probabilities: []float64{0.1, 0.2, 0.6, 0.1},
		})
	}))
	defer srv.Close()

	client := NewModelClient(srv.URL)
	dec, err := client.Classify(context.Background(), Input{
		Window:  window(3, nil),
		Context: quietContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.KindInstruction, dec.Kind)
	assert.InDelta(t, 0.6, dec.Confidence, 1e-9)
}

func TestModelClient_BadProbabilityCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelResponse{Probabilities: []float64{1}})
	}))
	defer srv.Close()

	_, err := NewModelClient(srv.URL).Classify(context.Background(), Input{
		Window: window(3, nil), Context: quietContext(),
	})
	assert.Error(t, err)
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, Input) (Decision, error) {
	return Decision{}, errors.New("model unavailable")
}

func TestResilient_DegradesToNone(t *testing.T) {
	r := NewResilient(failingClassifier{}, zap.NewNop())
	dec, err := r.Classify(context.Background(), Input{
		Window: window(3, nil), Context: quietContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.KindNone, dec.Kind)
	assert.Equal(t, noneConfidence, dec.Confidence)
}

func TestResilient_NilPrimaryRunsSynthetic(t *testing.T) {
	r := NewResilient(nil, zap.NewNop())
	dec, err := r.Classify(context.Background(), Input{
		Window: window(3, func(row []float64) {
			row[feature.IdxAnger] = 0.9
			row[feature.IdxDisgust] = 0.9
		}),
		Context:   quietContext(),
		FaceRatio: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, wire.KindInstruction, dec.Kind)
}
