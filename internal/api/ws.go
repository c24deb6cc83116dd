package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alamin-khalid/planet-orchestrator/internal/session"
)

// handleWorkerSocket upgrades a worker connection and runs its session to
// completion. The handler goroutine is the session's read loop; gin keeps
// the connection alive for as long as Run blocks.
func (s *Server) handleWorkerSocket(c *gin.Context) {
	serverID := c.Param("server_id")
	if serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_id is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the handshake error.
		s.log.Warn("websocket upgrade failed", "server_id", serverID, "error", err)
		return
	}

	if err := s.engine.RegisterConnect(s.baseCtx, serverID); err != nil {
		s.log.Error("worker registration failed", "server_id", serverID, "error", err)
		_ = conn.Close()
		return
	}

	sess := session.New(serverID, conn, s.engine, s.log, s.clk)
	if prev := s.reg.Attach(serverID, sess); prev != nil {
		s.log.Info("replacing prior session on reconnect", "server_id", serverID)
		prev.Close()
	}

	sess.Run(s.baseCtx)

	// Only the session still registered under this id finalizes the worker;
	// a reconnect that already replaced us owns the record now.
	if s.reg.Detach(serverID, sess) {
		s.engine.MarkDisconnected(s.baseCtx, serverID, sess.Graceful())
	}
}
