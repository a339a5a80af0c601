package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/logging"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
)

func TestAPIKeyFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/s1/a1", nil)
	r.Header.Set("Authorization", "Bearer header-key")
	assert.Equal(t, "header-key", apiKeyFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/s1/a1?api_key=query-key", nil)
	assert.Equal(t, "query-key", apiKeyFrom(r))

	// The header wins over the query parameter.
	r = httptest.NewRequest(http.MethodGet, "/ws/s1/a1?api_key=query-key", nil)
	r.Header.Set("Authorization", "Bearer header-key")
	assert.Equal(t, "header-key", apiKeyFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/s1/a1", nil)
	assert.Empty(t, apiKeyFrom(r))
}

// tenantStub fakes the tenant service's verify endpoint.
func tenantStub(t *testing.T, validKey, companyID string) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		require.Equal(t, "/api/v1/api-keys/verify", r.URL.Path)
		var req struct {
			APIKey string `json:"api_key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != validKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"company_id": companyID})
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestTenantVerifier(t *testing.T) {
	srv, _ := tenantStub(t, "good-key", "acme")
	v := NewTenantVerifier(srv.URL)
	ctx := context.Background()

	companyID, ok, err := v.Verify(ctx, "good-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", companyID)

	_, ok, err = v.Verify(ctx, "bad-key")
	require.NoError(t, err, "a clean 401 is not a transport error")
	assert.False(t, ok)
}

func TestTenantVerifier_ServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, ok, err := NewTenantVerifier(srv.URL).Verify(context.Background(), "any")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAuthenticator_CachesValidKeys(t *testing.T) {
	srv, calls := tenantStub(t, "good-key", "acme")
	auth := NewAuthenticator(kv.NewMemory(), NewTenantVerifier(srv.URL), time.Minute, logging.NewNop())
	ctx := context.Background()

	companyID, ok := auth.Authenticate(ctx, "good-key")
	require.True(t, ok)
	assert.Equal(t, "acme", companyID)
	assert.Equal(t, 1, *calls)

	// Second authentication is served from the cache.
	_, ok = auth.Authenticate(ctx, "good-key")
	require.True(t, ok)
	assert.Equal(t, 1, *calls)
}

func TestAuthenticator_RejectionsAreNotCached(t *testing.T) {
	srv, calls := tenantStub(t, "good-key", "acme")
	auth := NewAuthenticator(kv.NewMemory(), NewTenantVerifier(srv.URL), time.Minute, logging.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, ok := auth.Authenticate(ctx, "bad-key")
		assert.False(t, ok)
	}
	assert.Equal(t, 2, *calls, "rejected keys re-verify every time")
}

func TestAuthenticator_EmptyKeyRejectedLocally(t *testing.T) {
	srv, calls := tenantStub(t, "good-key", "acme")
	auth := NewAuthenticator(kv.NewMemory(), NewTenantVerifier(srv.URL), time.Minute, logging.NewNop())

	_, ok := auth.Authenticate(context.Background(), "")
	assert.False(t, ok)
	assert.Zero(t, *calls)
}

// echoNode is a stand-in inference node that echoes every text message.
func echoNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func defaultTestLimits() Limits {
	return Limits{MaxBufferSize: 300, MaxFramesPerSecond: 60, ThrottleThreshold: 250}
}

func newTestGateway(t *testing.T, nodeURL string, limits Limits) *httptest.Server {
	t.Helper()
	tenant, _ := tenantStub(t, "good-key", "acme")
	auth := NewAuthenticator(kv.NewMemory(), NewTenantVerifier(tenant.URL), time.Minute, logging.NewNop())
	gw := New(auth, strings.Replace(nodeURL, "http", "ws", 1), limits,
		telemetry.NewForTest(), logging.NewNop())

	e := echo.New()
	gw.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestGateway_SplicesThroughToNode(t *testing.T) {
	node := echoNode(t)
	gw := newTestGateway(t, node.URL, defaultTestLimits())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(gw.URL, "http", "ws", 1) + "/ws/s1/a1?api_key=good-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	msg := []byte(`{"type":"ping","timestamp":1}`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, msg))

	_, got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg), string(got))
}

func TestGateway_RejectsBadKeyWithPolicyViolation(t *testing.T) {
	node := echoNode(t)
	gw := newTestGateway(t, node.URL, defaultTestLimits())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(gw.URL, "http", "ws", 1) + "/ws/s1/a1?api_key=bad-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "rejection happens in-band, after the upgrade")
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

// readUntilType drains server messages until one with the given type
// arrives, skipping echoes and other notices.
func readUntilType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	for i := 0; i < 20; i++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == typ {
			return data
		}
	}
	t.Fatalf("no %q message received", typ)
	return nil
}

func TestGateway_RateLimitEmitsThrottleNotice(t *testing.T) {
	node := echoNode(t)
	gw := newTestGateway(t, node.URL, Limits{
		MaxBufferSize:      8,
		MaxFramesPerSecond: 1,
		ThrottleThreshold:  8,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(gw.URL, "http", "ws", 1) + "/ws/s1/a1?api_key=good-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Burst of one: the second biometric frame empties the bucket.
	frame := []byte(`{"metadata":{"session_id":"s1"}}`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	var throttle struct {
		Status            string  `json:"status"`
		Reason            string  `json:"reason"`
		RetryAfterSeconds float64 `json:"retry_after_seconds"`
		MaxBufferSize     int     `json:"max_buffer_size"`
	}
	data := readUntilType(t, ctx, conn, "throttle")
	require.NoError(t, json.Unmarshal(data, &throttle))
	assert.Equal(t, "active", throttle.Status)
	assert.Equal(t, "rate_limit_exceeded", throttle.Reason)
	assert.Greater(t, throttle.RetryAfterSeconds, 0.0)
	assert.Equal(t, 8, throttle.MaxBufferSize)
}

func TestGateway_BufferPressureRefusesFrames(t *testing.T) {
	node := echoNode(t)
	gw := newTestGateway(t, node.URL, Limits{
		MaxBufferSize:      4,
		MaxFramesPerSecond: 60,
		ThrottleThreshold:  0, // throttled mode from the first frame
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(gw.URL, "http", "ws", 1) + "/ws/s1/a1?api_key=good-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	frame := []byte(`{"metadata":{"session_id":"s1"}}`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	var dropped struct {
		Reason string `json:"reason"`
	}
	data := readUntilType(t, ctx, conn, "frame_dropped")
	require.NoError(t, json.Unmarshal(data, &dropped))
	assert.Equal(t, "buffer_full", dropped.Reason)
}

func TestGateway_ClosesWhenUpstreamUnavailable(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1", defaultTestLimits()) // nothing listening

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(gw.URL, "http", "ws", 1) + "/ws/s1/a1?api_key=good-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}
