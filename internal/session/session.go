// Package session owns the per-worker WebSocket channel: one read loop and
// one write pump per connection, a bounded outbound queue, and dispatch of
// inbound frames to the core's handler.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/observability"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

const (
	defaultSendBuffer = 32
	writeTimeout      = 10 * time.Second
)

// Handler receives the effects of inbound frames. The scheduler engine
// implements it; frames for one session arrive in order, one at a time.
// Disconnect cleanup is owned by the endpoint that ran the session, so a
// reconnect that already replaced this session is never torn down by the
// old one's exit path.
type Handler interface {
	HandleHeartbeat(ctx context.Context, serverID string, f *orchapi.HeartbeatFrame)
	HandleStatusUpdate(ctx context.Context, serverID string, f *orchapi.StatusUpdateFrame)
	HandleJobDone(ctx context.Context, serverID string, f *orchapi.JobDoneFrame)
	HandleJobSkipped(ctx context.Context, serverID string, f *orchapi.JobSkippedFrame)
	HandleJobError(ctx context.Context, serverID string, f *orchapi.ErrorFrame)
}

// Session wraps one worker connection. Outbound frames are queued on a
// bounded channel and written by a single pump, so frames are delivered in
// submission order; a full queue makes TrySend fail instead of blocking the
// assignment pass.
type Session struct {
	serverID string
	conn     *websocket.Conn
	handler  Handler
	log      *slog.Logger
	clk      clock.Clock

	send      chan any
	done      chan struct{}
	closeOnce sync.Once
	graceful  atomic.Bool
}

func New(serverID string, conn *websocket.Conn, handler Handler, log *slog.Logger, clk clock.Clock) *Session {
	return &Session{
		serverID: serverID,
		conn:     conn,
		handler:  handler,
		log:      log.With("server_id", serverID),
		clk:      clk,
		send:     make(chan any, defaultSendBuffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) ServerID() string { return s.serverID }

// TrySend queues an outbound frame without blocking. It reports false when
// the session is closed or its queue is full; callers treat that as
// backpressure and leave the work where it was.
func (s *Session) TrySend(v any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- v:
		return true
	default:
		return false
	}
}

// Close tears the session down. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Run drives the session until the peer disconnects, the context is
// cancelled, or a protocol violation closes the channel. It blocks; the
// caller owns the goroutine.
func (s *Session) Run(ctx context.Context) {
	observability.SessionsConnected.Inc()
	defer observability.SessionsConnected.Dec()

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.readLoop(ctx)
	s.Close()
}

// Graceful reports whether the worker announced its shutdown with a
// disconnect frame before the channel closed.
func (s *Session) Graceful() bool { return s.graceful.Load() }

func (s *Session) readLoop(ctx context.Context) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.log.Info("session read ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := orchapi.ParseInbound(data)
		if err != nil {
			if errors.Is(err, orchapi.ErrUnknownFrame) {
				s.log.Warn("ignoring unknown frame", "error", err)
				observability.FramesReceivedTotal.WithLabelValues("unknown").Inc()
				continue
			}
			// Protocol violation: close the session.
			s.log.Warn("closing session on malformed frame", "error", err)
			return
		}

		switch f := frame.(type) {
		case *orchapi.HeartbeatFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameHeartbeat).Inc()
			s.handler.HandleHeartbeat(ctx, s.serverID, f)
			s.TrySend(orchapi.PongFrame{
				Type:       orchapi.FramePong,
				ServerTime: orchapi.FormatTime(s.clk.Now()),
			})
		case *orchapi.StatusUpdateFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameStatusUpdate).Inc()
			s.handler.HandleStatusUpdate(ctx, s.serverID, f)
		case *orchapi.JobDoneFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameJobDone).Inc()
			s.handler.HandleJobDone(ctx, s.serverID, f)
		case *orchapi.JobSkippedFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameJobSkipped).Inc()
			s.handler.HandleJobSkipped(ctx, s.serverID, f)
		case *orchapi.ErrorFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameError).Inc()
			s.handler.HandleJobError(ctx, s.serverID, f)
		case *orchapi.DisconnectFrame:
			observability.FramesReceivedTotal.WithLabelValues(orchapi.FrameDisconnect).Inc()
			s.graceful.Store(true)
			s.log.Info("worker announced graceful disconnect")
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(v); err != nil {
				s.log.Info("session write failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
