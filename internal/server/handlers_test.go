package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickAiNYC/ViolationSentinel/internal/broadcast"
	"github.com/NickAiNYC/ViolationSentinel/internal/cache"
	"github.com/NickAiNYC/ViolationSentinel/internal/config"
	"github.com/NickAiNYC/ViolationSentinel/internal/gateway"
	"github.com/NickAiNYC/ViolationSentinel/internal/registry"
)

const (
	testAdminKey   = "test-admin-key"
	testSigningKey = "server-test-signing-key-32-chars!!!!!!"
)

type testServer struct {
	srv      *Server
	http     *httptest.Server
	verifier *registry.TokenVerifier
	registry *registry.Registry
}

// newTestServer stands up the full HTTP surface against a stubbed upstream.
// The stub serves one record for every collection except "broken".
func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"violation_id":"V1","bbl":"1000010001"}]`))
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		MaxConnections:          100,
		MaxConnectionsPerIP:     100,
		ReplayBufferSize:        100,
		HeartbeatInterval:       30 * time.Second,
		ConnectionMessageLimit:  100,
		ConnectionMessageWindow: time.Minute,
		TokenSigningSecret:      testSigningKey,
		AdminAPIKey:             testAdminKey,
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewRealClock()
	tiered := cache.New(nil, cache.Options{}, clock)
	gw := gateway.New(tiered, gateway.Options{
		BaseURL:          upstream.URL,
		RetryMaxAttempts: 1,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
	})

	verifier := registry.NewTokenVerifier(cfg.TokenSigningSecret, clock)
	reg := registry.New(verifier, cfg.ReplayBufferSize, clock)
	b := broadcast.New(reg, broadcast.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MessageLimit:      cfg.ConnectionMessageLimit,
		MessageWindow:     cfg.ConnectionMessageWindow,
	}, clock)
	t.Cleanup(b.Stop)

	srv := NewServer(cfg, gw, b, reg, verifier, nil)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, verifier: verifier, registry: reg}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (ts *testServer) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, respBody
}

func TestLivenessEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/health/live")
	assert.Equal(t, 200, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestReadinessWithoutRedis(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/health/ready")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "ready")
}

func TestVersionEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/version")
	assert.Equal(t, 200, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.NotEmpty(t, payload["go_version"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/metrics")
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, body)
}

func TestFetchRecordsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/api/collections/violations/records?field=bbl&value=1000010001")
	assert.Equal(t, 200, resp.StatusCode)

	var payload struct {
		Collection string            `json:"collection"`
		Count      int               `json:"count"`
		Records    []json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "violations", payload.Collection)
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Records, 1)
}

func TestFetchRecordsInvalidLimit(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/api/collections/violations/records?limit=abc")
	assert.Equal(t, 400, resp.StatusCode)
	assert.Contains(t, string(body), "validation")
}

func TestFetchRecordsInvalidSince(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.get(t, "/api/collections/violations/records?since=yesterday")
	assert.Equal(t, 400, resp.StatusCode)
}

func TestFetchRecordsUpstreamFailure(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/api/collections/broken/records")
	assert.Equal(t, 502, resp.StatusCode)
	// Provider internals never leak to clients.
	assert.Contains(t, string(body), "data temporarily unavailable")
}

func TestBatchFetchIsolatesFailures(t *testing.T) {
	ts := newTestServer(t, nil)

	reqBody := `{"requests":[
		{"collection":"violations","filter_field":"bbl","filter_value":"1000010001"},
		{"collection":"broken","filter_field":"bbl","filter_value":"1000010002"}
	]}`
	resp, body := ts.post(t, "/api/records/batch", reqBody, nil)
	require.Equal(t, 200, resp.StatusCode)

	var payload struct {
		Results map[string]struct {
			Count     int    `json:"count"`
			ErrorType string `json:"error_type"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Results, 2)

	assert.Equal(t, 1, payload.Results["violations:1000010001"].Count)
	assert.Equal(t, "upstream", payload.Results["broken:1000010002"].ErrorType)
}

func TestBatchFetchEmptyRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/api/records/batch", `{"requests":[]}`, nil)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGatewayHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/api/gateway/health")
	assert.Equal(t, 200, resp.StatusCode)

	var payload struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "healthy", payload.Status)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.get(t, "/api/stats")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "registry")
	assert.Contains(t, string(body), "connections")
}

func TestAdminRequiresKey(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/admin/cache/violations/invalidate", "", nil)
	assert.Equal(t, 401, resp.StatusCode)

	resp, _ = ts.post(t, "/admin/cache/violations/invalidate", "", map[string]string{adminKeyHeader: "wrong"})
	assert.Equal(t, 401, resp.StatusCode)

	resp, _ = ts.post(t, "/admin/cache/violations/invalidate", "", map[string]string{adminKeyHeader: testAdminKey})
	assert.Equal(t, 200, resp.StatusCode)
}

func TestAdminRoutesAbsentWithoutKey(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.AdminAPIKey = "" })

	resp, _ := ts.post(t, "/admin/tokens", `{"client_id":"x"}`, nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestAdminDisconnectUnknownConnection(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/admin/connections/nope/disconnect", "", map[string]string{adminKeyHeader: testAdminKey})
	assert.Equal(t, 404, resp.StatusCode)
}

func TestAdminIssueToken(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.post(t, "/admin/tokens", `{"client_id":"dashboard-1","expires_in":"1h"}`, map[string]string{adminKeyHeader: testAdminKey})
	require.Equal(t, 200, resp.StatusCode)

	var payload struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))

	claims, err := ts.verifier.Verify(payload.Token)
	require.NoError(t, err)
	assert.Equal(t, "dashboard-1", claims.ClientID)
}

func TestAdminIssueTokenRejectsBadDuration(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/admin/tokens", `{"client_id":"x","expires_in":"soon"}`, map[string]string{adminKeyHeader: testAdminKey})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWebSocketEndpointUpgrades(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "WELCOME")
}

func TestWebSocketGlobalCapacityRejectsWith503(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.MaxConnections = 1 })

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()

	// The first connection holds the only slot.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
