package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

type recordingHandler struct {
	mu         sync.Mutex
	heartbeats []*orchapi.HeartbeatFrame
	statuses   []*orchapi.StatusUpdateFrame
	dones      []*orchapi.JobDoneFrame
	skips      []*orchapi.JobSkippedFrame
	errFrames  []*orchapi.ErrorFrame
}

func (h *recordingHandler) HandleHeartbeat(_ context.Context, _ string, f *orchapi.HeartbeatFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, f)
}

func (h *recordingHandler) HandleStatusUpdate(_ context.Context, _ string, f *orchapi.StatusUpdateFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, f)
}

func (h *recordingHandler) HandleJobDone(_ context.Context, _ string, f *orchapi.JobDoneFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dones = append(h.dones, f)
}

func (h *recordingHandler) HandleJobSkipped(_ context.Context, _ string, f *orchapi.JobSkippedFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skips = append(h.skips, f)
}

func (h *recordingHandler) HandleJobError(_ context.Context, _ string, f *orchapi.ErrorFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errFrames = append(h.errFrames, f)
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heartbeats), len(h.statuses), len(h.dones)
}

// startSessionServer upgrades one connection and runs a Session over it,
// exposing the server-side handle for outbound sends.
func startSessionServer(t *testing.T, handler Handler) (*httptest.Server, <-chan *Session) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	sessions := make(chan *Session, 1)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New("unity_10_0_0_1", conn, handler, log, clk)
		sessions <- sess
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv, sessions
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHeartbeatIsAnsweredWithPong(t *testing.T) {
	handler := &recordingHandler{}
	srv, _ := startSessionServer(t, handler)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"heartbeat","idle_cpu":15.2,"max_cpu":75.0,"disk":60.0}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])
	require.NotEmpty(t, pong["server_time"])

	require.Eventually(t, func() bool {
		hb, _, _ := handler.counts()
		return hb == 1
	}, 2*time.Second, 20*time.Millisecond)

	handler.mu.Lock()
	frame := handler.heartbeats[0]
	handler.mu.Unlock()
	require.NotNil(t, frame.IdleCPU)
	require.InDelta(t, 15.2, *frame.IdleCPU, 0.001)
	require.Nil(t, frame.IdleRAM)
}

func TestUnknownFrameIsIgnoredNotFatal(t *testing.T) {
	handler := &recordingHandler{}
	srv, _ := startSessionServer(t, handler)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry_v2"}`)))
	// The channel must survive; a status update after the unknown frame is
	// still processed.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","status":"idle"}`)))

	require.Eventually(t, func() bool {
		_, statuses, _ := handler.counts()
		return statuses == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	handler := &recordingHandler{}
	srv, _ := startSessionServer(t, handler)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "server should close the channel on a protocol violation")
}

func TestOutboundFramesDeliverInOrder(t *testing.T) {
	handler := &recordingHandler{}
	srv, sessions := startSessionServer(t, handler)
	conn := dial(t, srv)

	var sess *Session
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}

	for i, planet := range []string{"p-1", "p-2", "p-3"} {
		require.True(t, sess.TrySend(orchapi.AssignJobFrame{
			Type: orchapi.FrameAssignJob, PlanetID: planet, SeasonID: 1, RoundID: i,
		}))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, want := range []string{"p-1", "p-2", "p-3"} {
		var got orchapi.AssignJobFrame
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, orchapi.FrameAssignJob, got.Type)
		require.Equal(t, want, got.PlanetID)
	}
}

func TestDisconnectFrameMarksGraceful(t *testing.T) {
	handler := &recordingHandler{}
	srv, sessions := startSessionServer(t, handler)
	conn := dial(t, srv)

	var sess *Session
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}
	require.False(t, sess.Graceful())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"disconnect"}`)))
	require.Eventually(t, sess.Graceful, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.Close())
}

func TestTrySendFailsWhenQueueIsFull(t *testing.T) {
	handler := &recordingHandler{}
	srv, sessions := startSessionServer(t, handler)
	conn := dial(t, srv)
	_ = conn // the client never reads, so the pump backs up

	var sess *Session
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}

	// Large frames so the socket buffers saturate and the pump backs up;
	// eventually TrySend must refuse instead of blocking the caller.
	payload := map[string]any{"blob": strings.Repeat("x", 256*1024)}
	refused := false
	for i := 0; i < 200 && !refused; i++ {
		refused = !sess.TrySend(orchapi.CommandFrame{Type: orchapi.FrameCommand, Command: "noop", Params: payload})
	}
	require.True(t, refused, "a full queue must refuse sends")

	sess.Close()
	require.False(t, sess.TrySend(orchapi.CommandFrame{Type: orchapi.FrameCommand, Command: "noop"}),
		"a closed session must refuse sends")
}
