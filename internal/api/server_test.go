package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/engine"
	"drover/internal/event"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/provider"
	"drover/internal/router"
	"drover/internal/state"
)

type apiHarness struct {
	ts     *httptest.Server
	store  *state.Store
	bus    *event.Bus
	mock   *provider.MockClient
	health *observability.HealthTracker
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "workflows.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := event.NewBus(event.DefaultBusConfig(), logging.Nop())
	t.Cleanup(bus.Close)

	registry := provider.NewRegistry(logging.Nop())
	mock := provider.NewMockClient("mock")
	mock.Respond("ok", 10, 20)
	registry.Register(mock, 4)

	r, err := router.New(nil, router.Decision{Provider: "mock", Model: "mock-small"}, logging.Nop())
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{}, engine.Deps{
		Store:    store,
		Bus:      bus,
		Registry: registry,
		Router:   r,
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	health := observability.NewHealthTracker()
	health.Set("state", observability.StatusHealthy, "")
	health.Set("bus", observability.StatusHealthy, "")

	srv := NewServer(Options{Engine: eng, Bus: bus, Health: health, Logger: logging.Nop()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts, store: store, bus: bus, mock: mock, health: health}
}

func (h *apiHarness) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(h.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (h *apiHarness) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.getJSON(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]any)
	assert.Contains(t, components, "state")
	assert.Contains(t, components, "bus")

	h.health.Set("state", observability.StatusUnhealthy, "disk full")
	resp, body = h.getJSON(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestCreateAndGetWorkflow(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.postJSON(t, "/api/workflows", map[string]any{
		"name":             "login",
		"kind":             "standard",
		"task_description": "add login",
		"tags":             []string{"auth"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "created", body["state"])

	resp, body = h.getJSON(t, "/api/workflows/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "login", body["name"])

	resp, _ = h.getJSON(t, "/api/workflows/no-such-id")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateWithStartRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "ship it",
		"start":            true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	require.Eventually(t, func() bool {
		w, err := h.store.GetWorkflow(context.Background(), id)
		return err == nil && w.State == state.StateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	_, phases := h.getJSON(t, "/api/workflows/"+id+"/phases")
	list := phases["phases"].([]any)
	require.Len(t, list, 4)
	for _, raw := range list {
		assert.Equal(t, "completed", raw.(map[string]any)["state"])
	}

	_, events := h.getJSON(t, "/api/workflows/"+id+"/events")
	all := events["events"].([]any)
	require.NotEmpty(t, all)

	// since_seq pagination starts after the given sequence number.
	first := all[0].(map[string]any)
	seq := int64(first["seq"].(float64))
	_, rest := h.getJSON(t, fmt.Sprintf("/api/workflows/%s/events?since_seq=%d", id, seq))
	assert.Len(t, rest["events"].([]any), len(all)-1)
}

func TestControlTransitionConflicts(t *testing.T) {
	h := newAPIHarness(t)

	_, body := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "x",
	})
	id := body["id"].(string)

	// A created workflow cannot pause or resume.
	resp, _ := h.postJSON(t, "/api/workflows/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.postJSON(t, "/api/workflows/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRecordsReason(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	_, body := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "x",
	})
	id := body["id"].(string)

	// Move to running without a live supervisor, as after a restart.
	_, err := h.store.TransitionWorkflow(ctx, id, state.StateCreated, state.StateInitialized)
	require.NoError(t, err)
	_, err = h.store.TransitionWorkflow(ctx, id, state.StateInitialized, state.StateRunning)
	require.NoError(t, err)

	resp, _ := h.postJSON(t, "/api/workflows/"+id+"/cancel", map[string]any{"reason": "no longer needed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, current := h.getJSON(t, "/api/workflows/"+id)
	assert.Equal(t, "cancelled", current["state"])
	assert.Equal(t, "no longer needed", current["error_message"])
}

func TestListFilters(t *testing.T) {
	h := newAPIHarness(t)

	for _, kind := range []string{"standard", "tdd", "standard"} {
		resp, _ := h.postJSON(t, "/api/workflows", map[string]any{
			"kind":             kind,
			"task_description": "x",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	_, body := h.getJSON(t, "/api/workflows")
	assert.EqualValues(t, 3, body["count"])

	_, body = h.getJSON(t, "/api/workflows?kind=tdd")
	assert.EqualValues(t, 1, body["count"])

	_, body = h.getJSON(t, "/api/workflows?state=created&limit=2")
	assert.EqualValues(t, 2, body["count"])
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	_, created := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "x",
	})
	require.NotEmpty(t, created["id"])

	resp, stats := h.getJSON(t, "/api/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, stats)
}

func TestEventStreamWebsocket(t *testing.T) {
	h := newAPIHarness(t)

	wsURL := strings.Replace(h.ts.URL, "http://", "ws://", 1) + "/api/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the subscription time to register before publishing.
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	_, body := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "stream me",
	})
	id := body["id"].(string)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e event.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, event.TypeWorkflowCreated, e.EventType)
	assert.Equal(t, id, e.WorkflowID)
}

func TestEventStreamTypeFilter(t *testing.T) {
	h := newAPIHarness(t)

	wsURL := strings.Replace(h.ts.URL, "http://", "ws://", 1) + "/api/events/ws?type=workflow_state_changed"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return h.bus.SubscriberCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	_, body := h.postJSON(t, "/api/workflows", map[string]any{
		"kind":             "standard",
		"task_description": "x",
		"start":            true,
	})
	id := body["id"].(string)

	// workflow_created must be filtered out; the first delivered event is a
	// state transition.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e event.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, event.TypeWorkflowStateChanged, e.EventType)
	assert.Equal(t, id, e.WorkflowID)

	require.Eventually(t, func() bool {
		w, err := h.store.GetWorkflow(context.Background(), id)
		return err == nil && w.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
}
