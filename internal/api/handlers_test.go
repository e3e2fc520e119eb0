package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/policy"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
	"github.com/opsfleet-io/opsfleet/internal/registry"
	"github.com/opsfleet-io/opsfleet/internal/store"
)

type fixture struct {
	registry *registry.Registry
	store    *store.Store
	router   http.Handler
}

func newFixture(t *testing.T, authToken string) *fixture {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	reg := registry.New(logger, m)
	st := store.New(15*time.Minute, 200, logger)
	h := NewHandlers(reg, st, policy.New(nil, nil, nil), m, logger)

	router := NewRouter(RouterConfig{
		Handlers:       h,
		Logger:         logger,
		AuthToken:      authToken,
		MetricsHandler: m.Handler(),
	})
	return &fixture{registry: reg, store: st, router: router}
}

// connect registers a live agent entry and returns it so tests can drain
// its outbound queue.
func (f *fixture) connect(t *testing.T, agentID string) *registry.Entry {
	t.Helper()
	_, cancel := context.WithCancel(context.Background())
	entry := registry.NewEntry(agentID, cancel)
	f.registry.Register(entry, protocol.HostInfo{
		Type:     protocol.TypeHostInfo,
		AgentID:  agentID,
		Hostname: "host-" + agentID,
		SentAt:   time.Now().UTC(),
	})
	return entry
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, "secret-token")
	rr := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody(t, rr)["status"])
}

func TestUIIsServedAtRoot(t *testing.T) {
	f := newFixture(t, "")
	rr := f.do(t, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "opsfleet")
}

func TestBearerAuthGuardsAPI(t *testing.T) {
	f := newFixture(t, "secret-token")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/clients", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/clients", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/clients", "secret-token", "").Code)
}

func TestBearerAuthDisabledWhenNoToken(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/clients", "", "").Code)
}

func TestClientsListing(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t, "a1")

	rr := f.do(t, http.MethodGet, "/api/clients", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	clients, ok := body["clients"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, clients, "a1")
	info := clients["a1"].(map[string]any)
	assert.Equal(t, "host-a1", info["hostname"])
}

func TestSendCommandRoundTrip(t *testing.T) {
	f := newFixture(t, "")
	entry := f.connect(t, "a1")

	rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"a1","command":"whoami"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	commandID, ok := decodeBody(t, rr)["command_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, commandID)

	// The command reached the agent's outbound queue.
	msg := <-entry.Outbound()
	cmd, ok := msg.(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, commandID, cmd.CommandID)
	assert.Equal(t, "whoami", cmd.Command)

	// Pending until the agent answers.
	rr = f.do(t, http.MethodGet, "/api/command-result?command_id="+commandID, "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pending", decodeBody(t, rr)["state"])

	// Result arrives from the session layer.
	require.NoError(t, f.store.Complete(commandID, "a1", 0, "ops\n", "", time.Now()))

	rr = f.do(t, http.MethodGet, "/api/command-result?command_id="+commandID, "", "")
	body := decodeBody(t, rr)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.Equal(t, "ops\n", body["stdout"])
}

func TestSendCommandRejectsDangerous(t *testing.T) {
	f := newFixture(t, "")
	entry := f.connect(t, "a1")

	rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"a1","command":"rm -rf /tmp/x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "dangerous_pattern", decodeBody(t, rr)["reason"])

	// Nothing was delivered to the agent.
	select {
	case msg := <-entry.Outbound():
		t.Fatalf("unexpected message delivered: %#v", msg)
	default:
	}

	// The rejection is visible in history.
	rr = f.do(t, http.MethodGet, "/api/client-history?client_id=a1", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	commands := decodeBody(t, rr)["commands"].([]any)
	require.Len(t, commands, 1)
	assert.Equal(t, "rejected", commands[0].(map[string]any)["state"])
}

func TestSendCommandRejectsInjection(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t, "a1")

	rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"a1","command":"ls; whoami"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "injection_pattern", decodeBody(t, rr)["reason"])
}

func TestSendCommandUnknownAgent(t *testing.T) {
	f := newFixture(t, "")

	rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"ghost","command":"whoami"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	// The pending record was rolled back; nothing shows in history.
	rr = f.do(t, http.MethodGet, "/api/client-history?client_id=ghost", "", "")
	assert.Empty(t, decodeBody(t, rr)["commands"])
}

func TestSendCommandBackpressure(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t, "a1")

	// Saturate the outbound queue without draining it.
	for i := 0; i < registry.QueueCapacity; i++ {
		rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"a1","command":"uptime"}`)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := f.do(t, http.MethodPost, "/api/send-command", "", `{"client_id":"a1","command":"uptime"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "backpressure", decodeBody(t, rr)["reason"])
}

func TestSendMessageBroadcast(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t, "a1")
	f.connect(t, "a2")

	rr := f.do(t, http.MethodPost, "/api/send-message", "", `{"message":"maintenance at noon"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["sent"])
	assert.Equal(t, float64(0), body["failed"])
}

func TestCommandResultUnknownID(t *testing.T) {
	f := newFixture(t, "")
	rr := f.do(t, http.MethodGet, "/api/command-result?command_id=nope", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPredefinedCommandsPassOwnPolicy(t *testing.T) {
	f := newFixture(t, "")
	rr := f.do(t, http.MethodGet, "/api/predefined-commands", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	// Every catalog entry must be accepted by the default policy —
	// offering a command the validator would refuse is a UI bug.
	v := policy.New(nil, nil, nil)
	for _, cat := range predefinedCategories {
		for _, cmd := range cat.Commands {
			_, rej := v.Validate(cmd)
			assert.Nilf(t, rej, "predefined command %q rejected", cmd)
		}
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t, "a1")

	rr := f.do(t, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(1), body["connected_agents"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	rr := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "opsfleet_connected_agents")
}
