package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// kindOrder is the categorical output layout of the served model.
var kindOrder = [4]wire.Kind{wire.KindNone, wire.KindVibration, wire.KindInstruction, wire.KindPause}

// ModelClient calls a served sequence model over HTTP. The endpoint takes
// the (sequence, context) pair and returns a distribution over the four
// intervention kinds.
type ModelClient struct {
	baseURL string
	client  *http.Client
}

// NewModelClient creates a client for the model server at baseURL.
func NewModelClient(baseURL string) *ModelClient {
	return &ModelClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

type modelRequest struct {
	Sequence [][]float64 `json:"sequence"`
	Context  []float64   `json:"context"`
}

type modelResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// Classify implements Classifier via the model server.
func (m *ModelClient) Classify(ctx context.Context, in Input) (Decision, error) {
	body, err := json.Marshal(modelRequest{Sequence: in.Window, Context: in.Context})
	if err != nil {
		return Decision{}, fmt.Errorf("encoding model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("creating model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("decoding model response: %w", err)
	}
	if len(out.Probabilities) != len(kindOrder) {
		return Decision{}, fmt.Errorf("model returned %d probabilities, want %d", len(out.Probabilities), len(kindOrder))
	}

	best, bestP := 0, out.Probabilities[0]
	for i, p := range out.Probabilities[1:] {
		if p > bestP {
			best, bestP = i+1, p
		}
	}
	return Decision{Kind: kindOrder[best], Confidence: bestP}, nil
}

// Resilient wraps a primary classifier so that classification failures
// degrade to NONE instead of failing the frame. With a nil primary it
// runs the synthetic ladder directly.
type Resilient struct {
	primary  Classifier
	fallback Synthetic
	logger   *zap.Logger
}

// NewResilient builds the degradation wrapper. primary may be nil.
func NewResilient(primary Classifier, logger *zap.Logger) *Resilient {
	return &Resilient{primary: primary, logger: logger}
}

// Classify implements Classifier. It never returns an error.
func (r *Resilient) Classify(ctx context.Context, in Input) (Decision, error) {
	if r.primary == nil {
		return r.fallback.Classify(ctx, in)
	}
	dec, err := r.primary.Classify(ctx, in)
	if err != nil {
		r.logger.Warn("classifier failed, degrading to none", zap.Error(err))
		return Decision{Kind: wire.KindNone, Confidence: noneConfidence}, nil
	}
	return dec, nil
}
