package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

// RegisterConnect creates or resets the worker record when its channel
// opens. A reconnecting worker comes back not_initialized — it announces
// idle itself once its systems are loaded — and any planet it was still
// holding is released for reassignment.
func (e *Engine) RegisterConnect(ctx context.Context, serverID string) error {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	now := e.clk.Now()
	worker, ok, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if !ok {
		worker = state.ServerRecord{
			ID:            serverID,
			IP:            ipFromServerID(serverID),
			Status:        state.ServerNotInitialized,
			LastHeartbeat: now,
			ConnectedAt:   now,
		}
		if err := e.store.UpsertServer(ctx, worker); err != nil {
			return err
		}
		e.log.Info("worker registered", "server_id", serverID, "server_ip", worker.IP)
		return nil
	}

	e.releaseOrphanLocked(ctx, &worker, "worker reconnected before finishing")
	worker.IP = ipFromServerID(serverID)
	worker.Status = state.ServerNotInitialized
	worker.CurrentTask = ""
	worker.ConnectedAt = now
	worker.DisconnectedAt = time.Time{}
	worker.LastHeartbeat = now
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		return err
	}
	e.log.Info("worker reconnected", "server_id", serverID)
	return nil
}

// MarkDisconnected finalizes a closed session: the worker goes offline and
// its in-flight planet, if any, is released back to the queue. Called by
// the WebSocket endpoint after it detached the session; a session already
// replaced by a reconnect never reaches here.
func (e *Engine) MarkDisconnected(ctx context.Context, serverID string, graceful bool) {
	e.assignMu.Lock()
	released := false
	worker, ok, err := e.store.GetServer(ctx, serverID)
	if err != nil || !ok {
		e.assignMu.Unlock()
		if err != nil {
			e.log.Error("disconnect lookup failed", "server_id", serverID, "error", err)
		}
		return
	}
	released = e.releaseOrphanLocked(ctx, &worker, "server disconnected during processing")
	worker.Status = state.ServerOffline
	worker.CurrentTask = ""
	worker.DisconnectedAt = e.clk.Now()
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.log.Error("disconnect update failed", "server_id", serverID, "error", err)
	}
	e.assignMu.Unlock()

	e.log.Info("worker offline", "server_id", serverID, "graceful", graceful)
	if released {
		e.Nudge()
	}
}

// HandleHeartbeat refreshes gauges and the liveness timestamp. It never
// changes status.
func (e *Engine) HandleHeartbeat(ctx context.Context, serverID string, f *orchapi.HeartbeatFrame) {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	worker, ok, err := e.store.GetServer(ctx, serverID)
	if err != nil || !ok {
		if err != nil {
			e.log.Error("heartbeat lookup failed", "server_id", serverID, "error", err)
		}
		return
	}
	if f.IdleCPU != nil {
		worker.IdleCPU = *f.IdleCPU
	}
	if f.MaxCPU != nil {
		worker.MaxCPU = *f.MaxCPU
	}
	if f.IdleRAM != nil {
		worker.IdleRAM = *f.IdleRAM
	}
	if f.MaxRAM != nil {
		worker.MaxRAM = *f.MaxRAM
	}
	if f.Disk != nil {
		worker.Disk = *f.Disk
	}
	worker.LastHeartbeat = e.clk.Now()
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.log.Error("heartbeat update failed", "server_id", serverID, "error", err)
	}
}

// HandleStatusUpdate applies a worker-declared status. Only the states a
// worker may legitimately announce are accepted; idle triggers an immediate
// assignment check.
func (e *Engine) HandleStatusUpdate(ctx context.Context, serverID string, f *orchapi.StatusUpdateFrame) {
	switch f.Status {
	case state.ServerIdle, state.ServerBusy, state.ServerNotInitialized:
	default:
		e.log.Warn("dropping status_update with unexpected status", "server_id", serverID, "status", f.Status)
		return
	}

	e.assignMu.Lock()
	worker, ok, err := e.store.GetServer(ctx, serverID)
	if err != nil || !ok {
		e.assignMu.Unlock()
		if err != nil {
			e.log.Error("status lookup failed", "server_id", serverID, "error", err)
		}
		return
	}
	worker.Status = f.Status
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.log.Error("status update failed", "server_id", serverID, "error", err)
	}
	e.assignMu.Unlock()

	e.log.Info("worker status", "server_id", serverID, "status", f.Status)
	if f.Status == state.ServerIdle {
		e.Nudge()
	}
}

// ipFromServerID extracts the address from the canonical
// unity_<ip-with-underscores> naming convention; anything else maps to
// "unknown".
func ipFromServerID(serverID string) string {
	if !strings.HasPrefix(serverID, "unity_") {
		return "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(serverID, "unity_"), "_")
	if len(parts) != 4 {
		return "unknown"
	}
	return strings.Join(parts, ".")
}
