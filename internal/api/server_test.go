package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/registry"
	"github.com/alamin-khalid/planet-orchestrator/internal/scheduler"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

type apiRig struct {
	srv    *httptest.Server
	engine *scheduler.Engine
	store  *state.MemoryStore
	index  *state.MemoryIndex
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	store := state.NewMemoryStore()
	index := state.NewMemoryIndex()
	reg := registry.New(store)
	clk := clock.NewReal()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := scheduler.NewEngine(store, index, reg, clk, log, scheduler.Options{})

	server := NewServer(engine, log, clk, DefaultServerConfig())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiRig{srv: srv, engine: engine, store: store, index: index}
}

func (r *apiRig) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func TestCreatePlanetLifecycle(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.request(t, http.MethodPost, "/planet/create",
		orchapi.CreatePlanetRequest{PlanetID: "p1", SeasonID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var snapshot orchapi.PlanetSnapshot
	require.NoError(t, json.Unmarshal(body, &snapshot))
	require.Equal(t, "p1", snapshot.PlanetID)
	require.Equal(t, state.PlanetQueued, snapshot.Status)

	// Duplicate id conflicts, and the index holds exactly one entry.
	resp, _ = rig.request(t, http.MethodPost, "/planet/create",
		orchapi.CreatePlanetRequest{PlanetID: "p1", SeasonID: 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	size, err := rig.index.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, size)

	resp, body = rig.request(t, http.MethodGet, "/planet/p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = rig.request(t, http.MethodDelete, "/planet/remove/p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = rig.request(t, http.MethodDelete, "/planet/remove/p1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePlanetValidationErrors(t *testing.T) {
	rig := newAPIRig(t)

	for _, req := range []orchapi.CreatePlanetRequest{
		{SeasonID: 1},
		{PlanetID: "spaces not allowed", SeasonID: 1},
		{PlanetID: "p1"},
	} {
		resp, body := rig.request(t, http.MethodPost, "/planet/create", req)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	}
}

func TestQueueStatusAfterCreate(t *testing.T) {
	rig := newAPIRig(t)

	before := time.Now().UTC()
	resp, _ := rig.request(t, http.MethodPost, "/planet/create",
		orchapi.CreatePlanetRequest{MapID: "p1", SeasonID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := rig.request(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status orchapi.QueueStatus
	require.NoError(t, json.Unmarshal(body, &status))
	require.GreaterOrEqual(t, status.QueuedPlanets, 1)
	require.Equal(t, 1, status.QueueSize)
	require.NotNil(t, status.NextDueTime)
	due, err := orchapi.ParseTime(*status.NextDueTime)
	require.NoError(t, err)
	require.False(t, due.After(time.Now().UTC().Add(time.Second)), "a fresh planet is due immediately")
	require.False(t, due.Before(before.Add(-time.Minute)))
}

func TestCommandRequiresLiveSession(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.request(t, http.MethodPost, "/command",
		orchapi.CommandRequest{ServerID: "nobody", Action: "restart"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = rig.request(t, http.MethodPost, "/command", orchapi.CommandRequest{ServerID: "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.UpsertServer(ctx, state.ServerRecord{
		ID: "unity_10_0_0_1", IP: "10.0.0.1", Status: state.ServerIdle,
	}))

	resp, body := rig.request(t, http.MethodGet, "/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var servers []orchapi.ServerSnapshot
	require.NoError(t, json.Unmarshal(body, &servers))
	require.Len(t, servers, 1)
	require.Equal(t, "unity_10_0_0_1", servers[0].ServerID)

	resp, _ = rig.request(t, http.MethodGet, "/server/unity_10_0_0_1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = rig.request(t, http.MethodGet, "/server/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerSocketRoundTrip(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	resp, _ := rig.request(t, http.MethodPost, "/planet/create",
		orchapi.CreatePlanetRequest{PlanetID: "p1", SeasonID: 7})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(rig.srv.URL, "http") + "/ws/server/unity_192_168_1_100/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous with the dial; the worker shows up
	// not_initialized with its IP decoded from the id.
	require.Eventually(t, func() bool {
		rec, ok, err := rig.store.GetServer(ctx, "unity_192_168_1_100")
		return err == nil && ok && rec.Status == state.ServerNotInitialized && rec.IP == "192.168.1.100"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","status":"idle"}`)))
	require.Eventually(t, func() bool {
		rec, _, _ := rig.store.GetServer(ctx, "unity_192_168_1_100")
		return rec.Status == state.ServerIdle
	}, 2*time.Second, 20*time.Millisecond)

	resp, body := rig.request(t, http.MethodPost, "/force-assign", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Assigned int `json:"assigned"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 1, result.Assigned)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var assign orchapi.AssignJobFrame
	require.NoError(t, conn.ReadJSON(&assign))
	require.Equal(t, orchapi.FrameAssignJob, assign.Type)
	require.Equal(t, "p1", assign.PlanetID)
	require.Equal(t, 7, assign.SeasonID)

	next := time.Now().UTC().Add(time.Minute)
	done := fmt.Sprintf(`{"type":"job_done","planet_id":"p1","next_round_time":%q}`, orchapi.FormatTime(next))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(done)))

	require.Eventually(t, func() bool {
		rec, _, _ := rig.store.GetServer(ctx, "unity_192_168_1_100")
		return rec.TotalCompleted == 1 && rec.Status == state.ServerIdle
	}, 2*time.Second, 20*time.Millisecond)

	planet, ok, err := rig.store.GetPlanet(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.PlanetQueued, planet.Status)
	require.Equal(t, 1, planet.CurrentRoundNumber)

	// Channel close takes the worker offline and leaves nothing orphaned.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		rec, _, _ := rig.store.GetServer(ctx, "unity_192_168_1_100")
		return rec.Status == state.ServerOffline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommandReachesConnectedWorker(t *testing.T) {
	rig := newAPIRig(t)

	wsURL := "ws" + strings.TrimPrefix(rig.srv.URL, "http") + "/ws/server/w1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok, _ := rig.store.GetServer(context.Background(), "w1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	resp, _ := rig.request(t, http.MethodPost, "/command",
		orchapi.CommandRequest{ServerID: "w1", Action: "restart", Payload: map[string]any{"delay": 5}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var cmd orchapi.CommandFrame
	require.NoError(t, conn.ReadJSON(&cmd))
	require.Equal(t, orchapi.FrameCommand, cmd.Type)
	require.Equal(t, "restart", cmd.Command)
}

func TestResultEndpointFallback(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	resp, _ := rig.request(t, http.MethodPost, "/planet/create",
		orchapi.CreatePlanetRequest{PlanetID: "p1", SeasonID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Wire the assignment by hand: the result endpoint only accepts reports
	// from the owning server.
	require.NoError(t, rig.store.UpsertServer(ctx, state.ServerRecord{
		ID: "w1", Status: state.ServerBusy, CurrentTask: "p1",
	}))
	planet, _, err := rig.store.GetPlanet(ctx, "p1")
	require.NoError(t, err)
	planet.Status = state.PlanetProcessing
	planet.ProcessingServerID = "w1"
	require.NoError(t, rig.store.UpdatePlanet(ctx, planet))

	resp, body := rig.request(t, http.MethodPost, "/result", orchapi.SubmitResultRequest{
		PlanetID:      "p1",
		ServerID:      "w1",
		NextRoundTime: orchapi.FormatTime(time.Now().UTC().Add(time.Minute)),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	planet, _, err = rig.store.GetPlanet(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, state.PlanetQueued, planet.Status)

	resp, _ = rig.request(t, http.MethodPost, "/result", orchapi.SubmitResultRequest{PlanetID: "p1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	_, err := rig.store.InsertTaskHistory(ctx, state.TaskHistoryRecord{
		PlanetID: "p1", ServerID: "w1", Status: state.TaskCompleted,
		StartTime: time.Now().UTC().Add(-time.Minute), EndTime: time.Now().UTC(),
		DurationSeconds: 60,
	})
	require.NoError(t, err)

	resp, body := rig.request(t, http.MethodGet, "/history?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []orchapi.TaskHistoryEntry
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "p1", rows[0].PlanetID)
	require.NotNil(t, rows[0].EndTime)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := rig.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")
}
