package scheduler

import (
	"context"
	"time"

	"github.com/alamin-khalid/planet-orchestrator/internal/observability"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
)

// RunHealth drives the health loop until the context is cancelled.
func (e *Engine) RunHealth(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.HealthPass(ctx)
		}
	}
}

// HealthPass is one repair sweep: stale heartbeats demoted, dead workers
// taken offline with their in-flight planets released, orphaned processing
// planets reclaimed, and index/store drift repaired in both directions. It
// ends by nudging the assignment engine.
func (e *Engine) HealthPass(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "scheduler.health_pass")
	defer span.End()

	e.assignMu.Lock()
	now := e.clk.Now()
	e.sweepStaleWorkers(ctx, now)
	e.sweepOrphanedPlanets(ctx, now)
	e.repairIndexDrift(ctx)
	e.refreshQueueGauge(ctx)
	e.assignMu.Unlock()

	e.Nudge()
}

func (e *Engine) sweepStaleWorkers(ctx context.Context, now time.Time) {
	workers, err := e.store.ListServersByStatus(ctx,
		state.ServerIdle, state.ServerBusy, state.ServerNotInitialized, state.ServerNotResponding)
	if err != nil {
		e.log.Error("health sweep worker query failed", "error", err)
		return
	}

	for _, worker := range workers {
		if worker.LastHeartbeat.IsZero() {
			continue
		}
		silence := now.Sub(worker.LastHeartbeat)
		switch {
		case silence > e.opts.HeartbeatDead:
			e.log.Warn("worker silent past the dead threshold, taking offline",
				"server_id", worker.ID, "last_heartbeat", worker.LastHeartbeat)
			if sess, ok := e.reg.Get(worker.ID); ok {
				e.reg.Detach(worker.ID, sess)
				sess.Close()
			}
			e.releaseOrphanLocked(ctx, &worker, "server went offline during processing")
			worker.Status = state.ServerOffline
			worker.CurrentTask = ""
			worker.DisconnectedAt = now
			if err := e.store.UpdateServer(ctx, worker); err != nil {
				e.log.Error("offline update failed", "server_id", worker.ID, "error", err)
			}
			observability.StaleWorkersTotal.Inc()
		case silence > e.opts.HeartbeatStale && worker.Status != state.ServerNotResponding:
			e.log.Warn("worker heartbeat stale", "server_id", worker.ID, "silence", silence)
			worker.Status = state.ServerNotResponding
			if err := e.store.UpdateServer(ctx, worker); err != nil {
				e.log.Error("not_responding update failed", "server_id", worker.ID, "error", err)
			}
			observability.StaleWorkersTotal.Inc()
		}
	}
}

// sweepOrphanedPlanets reclaims processing planets whose assigned worker is
// gone or has been unreachable past the dead threshold. This also covers
// rows whose worker record vanished entirely.
func (e *Engine) sweepOrphanedPlanets(ctx context.Context, now time.Time) {
	planets, err := e.store.ListPlanetsByStatus(ctx, state.PlanetProcessing, 0)
	if err != nil {
		e.log.Error("health sweep planet query failed", "error", err)
		return
	}

	for _, planet := range planets {
		worker, ok, err := e.store.GetServer(ctx, planet.ProcessingServerID)
		if err != nil {
			e.log.Error("orphan sweep server lookup failed", "server_id", planet.ProcessingServerID, "error", err)
			continue
		}
		if ok {
			unreachable := worker.Status == state.ServerOffline ||
				(worker.Status == state.ServerNotResponding && now.Sub(worker.LastHeartbeat) > e.opts.HeartbeatDead)
			if !unreachable {
				continue
			}
			if worker.CurrentTask == planet.ID {
				worker.CurrentTask = ""
			}
			e.releasePlanetLocked(ctx, planet, &worker, "server went offline during processing")
			if err := e.store.UpdateServer(ctx, worker); err != nil {
				e.log.Error("orphan sweep worker update failed", "server_id", worker.ID, "error", err)
			}
			continue
		}
		e.releasePlanetLocked(ctx, planet, nil, "assigned server no longer exists")
	}
}

// repairIndexDrift makes the index agree with the Store: every queued or
// error planet is a member, nothing else is.
func (e *Engine) repairIndexDrift(ctx context.Context) {
	entries, err := e.index.Entries(ctx)
	if err != nil {
		e.log.Warn("index unavailable for drift repair", "error", err)
		return
	}
	indexed := make(map[string]bool, len(entries))
	for _, entry := range entries {
		indexed[entry.PlanetID] = true
	}

	eligible := make(map[string]bool)
	for _, status := range []string{state.PlanetQueued, state.PlanetError} {
		planets, err := e.store.ListPlanetsByStatus(ctx, status, 0)
		if err != nil {
			e.log.Error("drift repair planet query failed", "status", status, "error", err)
			return
		}
		for _, p := range planets {
			eligible[p.ID] = true
			if indexed[p.ID] {
				continue
			}
			e.log.Warn("re-indexing planet missing from pending index", "planet_id", p.ID, "status", status)
			if err := e.index.Put(ctx, p.ID, p.NextRoundTime); err != nil {
				e.log.Warn("drift repair put failed", "planet_id", p.ID, "error", err)
				continue
			}
			observability.IndexRepairsTotal.WithLabelValues("insert").Inc()
		}
	}

	for _, entry := range entries {
		if eligible[entry.PlanetID] {
			continue
		}
		e.log.Warn("removing stale pending index entry", "planet_id", entry.PlanetID)
		if err := e.index.Remove(ctx, entry.PlanetID); err != nil {
			e.log.Warn("drift repair remove failed", "planet_id", entry.PlanetID, "error", err)
			continue
		}
		observability.IndexRepairsTotal.WithLabelValues("remove").Inc()
	}
}

// releaseOrphanLocked frees the planet a worker was holding, if any.
// Returns true when a planet was released. Callers hold the assignment
// lock and persist the worker record afterwards.
func (e *Engine) releaseOrphanLocked(ctx context.Context, worker *state.ServerRecord, reason string) bool {
	if worker.CurrentTask == "" {
		return false
	}
	planet, ok, err := e.store.GetPlanet(ctx, worker.CurrentTask)
	if err != nil {
		e.log.Error("orphan planet lookup failed", "planet_id", worker.CurrentTask, "error", err)
		return false
	}
	worker.CurrentTask = ""
	if !ok || planet.ProcessingServerID != worker.ID || planet.Status != state.PlanetProcessing {
		return false
	}
	e.releasePlanetLocked(ctx, planet, worker, reason)
	return true
}

// releasePlanetLocked returns an orphaned processing planet to the dispatch
// frontier due immediately, closes its attempt as a timeout, and charges
// the failure to the worker when one is known.
func (e *Engine) releasePlanetLocked(ctx context.Context, planet state.PlanetRecord, worker *state.ServerRecord, reason string) {
	now := e.clk.Now()
	e.log.Info("recovering orphaned planet", "planet_id", planet.ID, "reason", reason)

	if planet.ErrorRetryCount > 0 {
		planet.Status = state.PlanetError
	} else {
		planet.Status = state.PlanetQueued
	}
	planet.ProcessingServerID = ""
	planet.NextRoundTime = now
	if err := e.store.UpdatePlanet(ctx, planet); err != nil {
		e.log.Error("orphan planet update failed", "planet_id", planet.ID, "error", err)
		return
	}
	if err := e.index.Put(ctx, planet.ID, now); err != nil {
		e.log.Warn("orphan re-index failed", "planet_id", planet.ID, "error", err)
	}

	e.closeHistoryRow(ctx, planet.ID, state.TaskTimeout, reason, now)
	if worker != nil {
		worker.TotalFailed++
	}
	observability.OrphansRecoveredTotal.Inc()
}
