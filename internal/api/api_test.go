package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/host-agent/internal/agent"
	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/internal/events"
	"github.com/fabstir/host-agent/internal/logging"
)

func testConfig() *config.OperatorConfig {
	return &config.OperatorConfig{
		Version:      config.CurrentVersion,
		Network:      "base-sepolia",
		ChainID:      84532,
		RPCEndpoints: []string{"https://sepolia.base.org"},
		Contracts: config.ContractAddresses{
			JobMarketplace: "0x1111111111111111111111111111111111111111",
			NodeRegistry:   "0x2222222222222222222222222222222222222222",
			ProofSystem:    "0x3333333333333333333333333333333333333333",
			HostEarnings:   "0x4444444444444444444444444444444444444444",
			FabToken:       "0x5555555555555555555555555555555555555555",
			StableToken:    "0x6666666666666666666666666666666666666666",
		},
		InferencePort: 8080,
		PublicURL:     "https://node.example.com",
		Models:        []string{"org/model:weights.gguf"},
	}
}

func testServer(t *testing.T, cfg ServerConfig) (*Server, *agent.Agent) {
	t.Helper()
	store, err := config.NewStore(t.TempDir())
	require.NoError(t, err)
	logs, err := logging.Setup(logging.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	a, err := agent.Initialize(agent.Options{Store: store, Config: testConfig(), Logs: logs})
	require.NoError(t, err)

	srv := NewServer(cfg, a, NewMetrics(a), zerolog.Nop())
	return srv, a
}

func doRequest(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{APIKey: "secret"})
	rec := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	require.Contains(t, body, "uptime")
	assert.GreaterOrEqual(t, body["uptime"].(float64), float64(0))
}

func TestAPIKeyGuard(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{APIKey: "secret"})

	rec := doRequest(t, srv, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/status", "", map[string]string{apiKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/status", "", map[string]string{apiKeyHeader: "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNoKeyConfiguredDisablesGuard(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusPayload(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info agent.StatusInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "base-sepolia", info.Network)
	assert.Equal(t, int64(84532), info.ChainID)
	assert.False(t, info.Authenticated)
	assert.Equal(t, "CLOSED", info.Breaker)
}

func TestStartRequiresAuthentication(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodPost, "/api/start", `{"daemon":false}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "authenticate")
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/register", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/register", `{"stake":"abc"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid body but unauthenticated agent.
	rec = doRequest(t, srv, http.MethodPost, "/api/register", `{"stake":"1000"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdatePricingValidation(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/update-pricing", `{"price":"100"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing model_id")

	rec = doRequest(t, srv, http.MethodPost, "/api/update-pricing", `{"model_id":"m","price":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-numeric price")
}

func TestWithdrawValidation(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/api/withdraw", `{"tokens":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/withdraw", `{"tokens":["nope"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsSnapshot(t *testing.T) {
	srv, a := testServer(t, ServerConfig{})
	a.Engine().StartSession("sess-1", "42", "org/model:weights.gguf", 84532)
	a.Engine().AddTokens("sess-1", 250)

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []struct {
			ID     string `json:"id"`
			Tokens uint64 `json:"tokens"`
		} `json:"sessions"`
		Stats struct {
			CheckpointsReached uint64 `json:"checkpoints_reached"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "sess-1", body.Sessions[0].ID)
	assert.Equal(t, uint64(250), body.Sessions[0].Tokens)
	assert.Equal(t, uint64(2), body.Stats.CheckpointsReached)
}

func TestEndpointsSnapshot(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/api/endpoints", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breaker   string `json:"breaker"`
		Endpoints []struct {
			URL string `json:"url"`
		} `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CLOSED", body.Breaker)
	require.Len(t, body.Endpoints, 1)
	assert.Equal(t, "https://sepolia.base.org", body.Endpoints[0].URL)
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}})

	rec := doRequest(t, srv, http.MethodOptions, "/api/status", "", map[string]string{
		"Origin": "https://dash.example.com",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unlisted origin gets no CORS headers.
	rec = doRequest(t, srv, http.MethodGet, "/health", "", map[string]string{
		"Origin": "https://evil.example.com",
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, a := testServer(t, ServerConfig{})
	a.Engine().AddTokens("sess-1", 50)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "host_sessions_active")
	assert.Contains(t, body, "host_breaker_state")
	assert.Contains(t, body, "host_tx_queue_depth")
}

func TestLogStreamHistoryThenLive(t *testing.T) {
	srv, a := testServer(t, ServerConfig{})
	ring := a.Supervisor().Ring()
	ring.Append("stdout", "Model loaded")
	ring.Append("stderr", "warning: low vram")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var history logEnvelope
	require.NoError(t, json.Unmarshal(payload, &history))
	assert.Equal(t, "history", history.Type)
	require.Len(t, history.Lines, 2)
	assert.Equal(t, "Model loaded", history.Lines[0].Text)

	ring.Append("stdout", "API server started")
	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)

	var live logEnvelope
	require.NoError(t, json.Unmarshal(payload, &live))
	assert.Equal(t, "log", live.Type)
	require.NotNil(t, live.Line)
	assert.Equal(t, "API server started", live.Line.Text)
}

func TestEventStreamDeliversFilteredEvents(t *testing.T) {
	srv, a := testServer(t, ServerConfig{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	before := a.Bus().SubscriberCount()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?type=session.started"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the handshake; wait for it before emitting.
	require.Eventually(t, func() bool {
		return a.Bus().SubscriberCount() > before
	}, 2*time.Second, 10*time.Millisecond)

	a.Bus().Emit("session.checkpoint_reached", "engine", nil)
	a.Bus().Emit("session.started", "engine", map[string]string{"session_id": "s-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "session.started", ev.Type)
	assert.Equal(t, "engine", ev.Source)
	assert.NotEmpty(t, ev.ID)
}

func TestLogStreamRejectsUnlistedOrigin(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/logs"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
