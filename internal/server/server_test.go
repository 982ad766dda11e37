package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/elisa/internal/events"
	"github.com/aristath/elisa/internal/gitops"
	"github.com/aristath/elisa/internal/metrics"
	"github.com/aristath/elisa/internal/orchestrator"
	"github.com/aristath/elisa/internal/persistence"
	"github.com/aristath/elisa/internal/scheduler"
)

type fixture struct {
	srv   *Server
	state *orchestrator.ExecutionState
	bus   *events.EventBus
	m     *metrics.Metrics
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, store persistence.Store) *fixture {
	t.Helper()
	state := orchestrator.NewExecutionState(orchestrator.StateConfig{
		Workspace: t.TempDir(),
		Goal:      "a snake game",
		MaxBudget: 1000,
	})
	require.NoError(t, state.AddTask(&scheduler.Task{ID: "t1", Name: "Build", AgentName: "Sparky", Status: scheduler.TaskPending}))
	state.AddAgent(&scheduler.Agent{Name: "Sparky", Role: scheduler.RoleBuilder, Status: scheduler.AgentIdle})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	srv := New(Config{
		Bus:      bus,
		State:    state,
		Store:    store,
		Metrics:  m,
		Gatherer: reg,
		Logger:   zaptest.NewLogger(t),
	})
	return &fixture{srv: srv, state: state, bus: bus, m: m, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetState(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Goal  string            `json:"goal"`
		Total int               `json:"total"`
		Tasks []*scheduler.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "a snake game", body.Goal)
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, scheduler.TaskPending, body.Tasks[0].Status)
}

func TestListTasksFromStore(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SaveTask(ctx, &scheduler.Task{ID: "stored", Name: "From disk", Status: scheduler.TaskDone}))

	f := newFixture(t, store)
	w := f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []*scheduler.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "stored", tasks[0].ID)
}

func TestListCommitsAndTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.state.AppendCommit(gitops.CommitInfo{SHA: "abc123", Message: "Sparky: Build", TaskID: "t1"})
	f.state.Tracker.AddForAgent("Sparky", 100, 50, 0.01)

	w := f.do(t, http.MethodGet, "/api/commits", "")
	require.Equal(t, http.StatusOK, w.Code)
	var commits []gitops.CommitInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &commits))
	require.Len(t, commits, 1)
	assert.Equal(t, "abc123", commits[0].SHA)

	w = f.do(t, http.MethodGet, "/api/tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap struct {
		TotalTokens int `json:"total_tokens"`
		MaxBudget   int `json:"max_budget"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 150, snap.TotalTokens)
	assert.Equal(t, 1000, snap.MaxBudget)
}

func TestResolveGateWithoutPending(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/gate", `{"approved": true}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/gate", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/gate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending":false`)
}

func TestAnswerQuestion(t *testing.T) {
	f := newFixture(t, nil)

	answered := make(chan map[string]any, 1)
	go func() {
		a, err := f.state.Questions.Ask(context.Background(), "t1", func() {})
		if err == nil {
			answered <- a
		}
	}()
	require.Eventually(t, func() bool { return len(f.state.Questions.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.do(t, http.MethodGet, "/api/questions", "")
	assert.Contains(t, w.Body.String(), "t1")

	w = f.do(t, http.MethodPost, "/api/questions/t1", `{"answers": {"color": "green"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case a := <-answered:
		assert.Equal(t, map[string]any{"color": "green"}, a["answers"])
	case <-time.After(2 * time.Second):
		t.Fatal("question was not answered")
	}

	w = f.do(t, http.MethodPost, "/api/questions/t1", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.m.ObserveTask("done")

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "elisa_")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.m.WebSocketClients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.bus.Publish(events.TaskStarted{ID: "t1", AgentName: "Sparky"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, events.TypeTaskStarted, msg["type"])
	assert.Equal(t, "t1", msg["task_id"])
	assert.Equal(t, "Sparky", msg["agent_name"])

	conn.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.m.WebSocketClients) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
