package scheduler

import (
	"context"

	"github.com/alamin-khalid/planet-orchestrator/internal/state"
)

// ReconcileStartup resets the world to a known state after a process
// restart: no WebSocket survives a restart, so every worker is offline and
// every planet stuck in processing goes back to the dispatch frontier. The
// pending index is rebuilt from the Store. Runs once, before the loops.
func (e *Engine) ReconcileStartup(ctx context.Context) error {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	now := e.clk.Now()
	workers, err := e.store.ListServers(ctx)
	if err != nil {
		return err
	}

	resetWorkers := 0
	for _, worker := range workers {
		if worker.Status == state.ServerOffline && worker.CurrentTask == "" {
			continue
		}
		e.releaseOrphanLocked(ctx, &worker, "orchestrator restarted, connection lost")
		worker.Status = state.ServerOffline
		worker.CurrentTask = ""
		worker.DisconnectedAt = now
		if err := e.store.UpdateServer(ctx, worker); err != nil {
			return err
		}
		resetWorkers++
	}

	// Planets can be stuck processing with no worker pointing at them (the
	// worker row may have been released above, or deleted out of band).
	stuck, err := e.store.ListPlanetsByStatus(ctx, state.PlanetProcessing, 0)
	if err != nil {
		return err
	}
	for _, planet := range stuck {
		e.releasePlanetLocked(ctx, planet, nil, "orchestrator restarted mid-processing")
	}

	if err := e.index.Clear(ctx); err != nil {
		e.log.Warn("index clear failed during startup, repairs deferred to health loop", "error", err)
	}
	rebuilt := 0
	for _, status := range []string{state.PlanetQueued, state.PlanetError} {
		planets, err := e.store.ListPlanetsByStatus(ctx, status, 0)
		if err != nil {
			return err
		}
		for _, p := range planets {
			if err := e.index.Put(ctx, p.ID, p.NextRoundTime); err != nil {
				e.log.Warn("index rebuild put failed", "planet_id", p.ID, "error", err)
				continue
			}
			rebuilt++
		}
	}

	e.log.Info("startup reconcile complete",
		"workers_reset", resetWorkers, "planets_released", len(stuck), "index_rebuilt", rebuilt)
	return nil
}
