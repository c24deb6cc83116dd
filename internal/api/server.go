// Package api is the thin administrative adapter over the orchestration
// core: the JSON HTTP surface plus the worker WebSocket endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/registry"
	"github.com/alamin-khalid/planet-orchestrator/internal/scheduler"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

type ServerConfig struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "0.0.0.0",
		Port:        8000,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
		// No write timeout: it would sever long-lived WebSocket sessions.
	}
}

type Server struct {
	engine   *scheduler.Engine
	store    state.Store
	reg      *registry.Registry
	log      *slog.Logger
	clk      clock.Clock
	cfg      ServerConfig
	upgrader websocket.Upgrader
	router   *gin.Engine

	// baseCtx bounds session lifetimes: shutting the server down closes
	// every worker channel.
	baseCtx context.Context
}

func NewServer(engine *scheduler.Engine, log *slog.Logger, clk clock.Clock, cfg ServerConfig) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		router.Use(cors.New(corsConfig))
	}

	s := &Server{
		engine: engine,
		store:  engine.Store(),
		reg:    engine.Registry(),
		log:    log,
		clk:    clk,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router:  router,
		baseCtx: context.Background(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/planet/create", s.handleCreatePlanet)
	s.router.GET("/planet/:planet_id", s.handleGetPlanet)
	s.router.DELETE("/planet/remove/:planet_id", s.handleRemovePlanet)

	s.router.POST("/result", s.handleSubmitResult)
	s.router.POST("/force-assign", s.handleForceAssign)
	s.router.POST("/command", s.handleCommand)

	s.router.GET("/queue", s.handleQueueStatus)
	s.router.GET("/servers", s.handleListServers)
	s.router.GET("/server/:server_id", s.handleServerDetail)
	s.router.GET("/history", s.handleTaskHistory)

	// Unity clients dial with a trailing slash; register both forms so the
	// upgrade never bounces off a redirect.
	s.router.GET("/ws/server/:server_id", s.handleWorkerSocket)
	s.router.GET("/ws/server/:server_id/", s.handleWorkerSocket)
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("admin API listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "server_time": orchapi.FormatTime(s.clk.Now())})
}

func (s *Server) handleCreatePlanet(c *gin.Context) {
	var req orchapi.CreatePlanetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rec, err := s.engine.CreatePlanet(c.Request.Context(), req)
	switch {
	case errors.Is(err, state.ErrPlanetExists):
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("planet %q already exists", req.Planet())})
	case errors.Is(err, scheduler.ErrInvalidPlanet):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, toPlanetSnapshot(rec))
	}
}

func (s *Server) handleGetPlanet(c *gin.Context) {
	planetID := c.Param("planet_id")
	rec, ok, err := s.store.GetPlanet(c.Request.Context(), planetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "planet not found"})
		return
	}
	c.JSON(http.StatusOK, toPlanetSnapshot(rec))
}

func (s *Server) handleRemovePlanet(c *gin.Context) {
	planetID := c.Param("planet_id")
	err := s.engine.DeletePlanet(c.Request.Context(), planetID)
	switch {
	case errors.Is(err, scheduler.ErrPlanetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("planet %q not found", planetID)})
	case errors.Is(err, scheduler.ErrPlanetProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("cannot remove planet %q while it is being processed", planetID)})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("planet %q has been removed", planetID)})
	}
}

func (s *Server) handleSubmitResult(c *gin.Context) {
	var req orchapi.SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.engine.SubmitResult(c.Request.Context(), req); err != nil {
		if errors.Is(err, scheduler.ErrInvalidPlanet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// Stale or unknown completions are logged inside the engine; the
		// caller still gets the reason.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "message": "result processing initiated"})
}

func (s *Server) handleForceAssign(c *gin.Context) {
	assigned := s.engine.AssignPass(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "success", "assigned": assigned})
}

func (s *Server) handleCommand(c *gin.Context) {
	var req orchapi.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ServerID == "" || req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing server_id or action"})
		return
	}
	sess, ok := s.reg.Get(req.ServerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no live session for server %q", req.ServerID)})
		return
	}
	frame := orchapi.CommandFrame{Type: orchapi.FrameCommand, Command: req.Action, Params: req.Payload}
	if !sess.TrySend(frame) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server send queue is full"})
		return
	}
	s.log.Info("command sent", "server_id", req.ServerID, "action", req.Action)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("command sent to %s", req.ServerID)})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	snapshot, err := s.engine.QueueSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleListServers(c *gin.Context) {
	servers, err := s.store.ListServers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]orchapi.ServerSnapshot, 0, len(servers))
	for _, rec := range servers {
		out = append(out, toServerSnapshot(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleServerDetail(c *gin.Context) {
	serverID := c.Param("server_id")
	rec, ok, err := s.store.GetServer(c.Request.Context(), serverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	c.JSON(http.StatusOK, toServerSnapshot(rec))
}

func (s *Server) handleTaskHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	rows, err := s.store.ListTaskHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]orchapi.TaskHistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toHistoryEntry(row))
	}
	c.JSON(http.StatusOK, out)
}

func toPlanetSnapshot(rec state.PlanetRecord) orchapi.PlanetSnapshot {
	out := orchapi.PlanetSnapshot{
		PlanetID:           rec.ID,
		SeasonID:           rec.SeasonID,
		RoundID:            rec.RoundID,
		CurrentRoundNumber: rec.CurrentRoundNumber,
		NextRoundTime:      orchapi.FormatTime(rec.NextRoundTime),
		Status:             rec.Status,
		ProcessingServerID: rec.ProcessingServerID,
		ErrorRetryCount:    rec.ErrorRetryCount,
	}
	if !rec.LastProcessed.IsZero() {
		v := orchapi.FormatTime(rec.LastProcessed)
		out.LastProcessed = &v
	}
	return out
}

func toServerSnapshot(rec state.ServerRecord) orchapi.ServerSnapshot {
	out := orchapi.ServerSnapshot{
		ServerID:       rec.ID,
		ServerIP:       rec.IP,
		Status:         rec.Status,
		IdleCPU:        rec.IdleCPU,
		MaxCPU:         rec.MaxCPU,
		IdleRAM:        rec.IdleRAM,
		MaxRAM:         rec.MaxRAM,
		Disk:           rec.Disk,
		CurrentTask:    rec.CurrentTask,
		TotalAssigned:  rec.TotalAssigned,
		TotalCompleted: rec.TotalCompleted,
		TotalFailed:    rec.TotalFailed,
	}
	if !rec.LastHeartbeat.IsZero() {
		v := orchapi.FormatTime(rec.LastHeartbeat)
		out.LastHeartbeat = &v
	}
	if !rec.ConnectedAt.IsZero() {
		v := orchapi.FormatTime(rec.ConnectedAt)
		out.ConnectedAt = &v
	}
	if !rec.DisconnectedAt.IsZero() {
		v := orchapi.FormatTime(rec.DisconnectedAt)
		out.DisconnectedAt = &v
	}
	return out
}

func toHistoryEntry(row state.TaskHistoryRecord) orchapi.TaskHistoryEntry {
	out := orchapi.TaskHistoryEntry{
		PlanetID:        row.PlanetID,
		ServerID:        row.ServerID,
		Status:          row.Status,
		StartTime:       orchapi.FormatTime(row.StartTime),
		DurationSeconds: row.DurationSeconds,
		ErrorMessage:    row.ErrorMessage,
	}
	if !row.EndTime.IsZero() {
		v := orchapi.FormatTime(row.EndTime)
		out.EndTime = &v
	}
	return out
}
