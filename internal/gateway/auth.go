// Package gateway terminates client WebSockets: it authenticates the
// caller, splices the stream through to an inference node, and sheds
// load before the node ever sees it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/kv"
)

// authRecord is the cached verdict for an API key. Only valid keys are
// cached; a rejected key is re-verified on every attempt.
type authRecord struct {
	CompanyID  string    `json:"company_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// TenantVerifier validates API keys against the tenant service.
type TenantVerifier struct {
	baseURL string
	client  *http.Client
}

// NewTenantVerifier creates a verifier for the tenant service at baseURL.
func NewTenantVerifier(baseURL string) *TenantVerifier {
	return &TenantVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify asks the tenant service whether apiKey is valid. ok is false on
// a clean rejection; err covers transport failures only.
func (v *TenantVerifier) Verify(ctx context.Context, apiKey string) (string, bool, error) {
	body, _ := json.Marshal(map[string]string{"api_key": apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/api/v1/api-keys/verify", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("calling tenant service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			CompanyID string `json:"company_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", false, fmt.Errorf("decoding verify response: %w", err)
		}
		return out.CompanyID, true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("tenant service returned %d", resp.StatusCode)
	}
}

// Authenticator resolves API keys through a shared read-through cache so
// reconnect storms do not hammer the tenant service.
type Authenticator struct {
	store    kv.Store
	verifier *TenantVerifier
	ttl      time.Duration
	logger   *zap.Logger
}

// NewAuthenticator wires the cache in front of the verifier.
func NewAuthenticator(store kv.Store, verifier *TenantVerifier, ttl time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, verifier: verifier, ttl: ttl, logger: logger}
}

// Authenticate resolves apiKey to its company id. ok is false for
// missing, rejected, or unverifiable keys; the gateway treats all three
// the same way.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	key := kv.PrefixAPIKey + apiKey
	var rec authRecord
	if hit, err := kv.GetJSON(ctx, a.store, key, &rec); err != nil {
		a.logger.Warn("auth cache read failed", zap.Error(err))
	} else if hit {
		return rec.CompanyID, true
	}

	companyID, ok, err := a.verifier.Verify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key verification failed", zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}

	rec = authRecord{CompanyID: companyID, VerifiedAt: time.Now().UTC()}
	if err := kv.SetJSON(ctx, a.store, key, rec, a.ttl); err != nil {
		a.logger.Warn("auth cache write failed", zap.Error(err))
	}
	return companyID, true
}
