package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alamin-khalid/planet-orchestrator/internal/observability"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

// HandleJobDone processes a successful round report from the session layer.
func (e *Engine) HandleJobDone(ctx context.Context, serverID string, f *orchapi.JobDoneFrame) {
	planetID := f.Planet()
	if planetID == "" {
		e.log.Warn("job_done missing planet_id", "server_id", serverID)
		return
	}
	nextRaw := f.NextRound()
	if nextRaw == "" {
		e.log.Warn("job_done missing next_round_time", "server_id", serverID, "planet_id", planetID)
		return
	}
	if err := e.completeSuccess(ctx, planetID, serverID, nextRaw, f.SeasonID, f.RoundID, f.RoundNumber); err != nil {
		e.log.Warn("job_done dropped", "server_id", serverID, "planet_id", planetID, "error", err)
	}
}

// SubmitResult is the HTTP fallback for job_done.
func (e *Engine) SubmitResult(ctx context.Context, req orchapi.SubmitResultRequest) error {
	planetID := req.Planet()
	if planetID == "" || req.ServerID == "" {
		return fmt.Errorf("%w: planet_id and server_id are required", ErrInvalidPlanet)
	}
	nextRaw := req.NextRound()
	if nextRaw == "" {
		return fmt.Errorf("%w: next_round_time is required", ErrInvalidPlanet)
	}
	if _, err := orchapi.ParseTime(nextRaw); err != nil {
		return fmt.Errorf("%w: invalid next_round_time: %v", ErrInvalidPlanet, err)
	}
	if err := e.completeSuccess(ctx, planetID, req.ServerID, nextRaw, nil, nil, nil); err != nil {
		e.log.Warn("result dropped", "server_id", req.ServerID, "planet_id", planetID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) completeSuccess(ctx context.Context, planetID, serverID, nextRaw string, seasonID, roundID, roundNumber *int) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.complete",
		attribute.String("planet.id", planetID),
		attribute.String("server.id", serverID),
	)
	defer span.End()

	next, err := orchapi.ParseTime(nextRaw)
	if err != nil {
		return fmt.Errorf("invalid next_round_time %q: %w", nextRaw, err)
	}

	e.assignMu.Lock()
	planet, worker, err := e.lookupCompletionPair(ctx, planetID, serverID)
	if err != nil {
		e.assignMu.Unlock()
		return err
	}

	now := e.clk.Now()
	// A round-end time that already passed during calculation is scheduled
	// immediately rather than in the past.
	if !next.After(now) {
		e.log.Warn("next_round_time already passed, scheduling immediately", "planet_id", planetID, "supplied", nextRaw)
		next = now
	}

	// The worker is the authoritative source for game state when it reports
	// it; otherwise advance the local bookkeeping.
	if roundID != nil {
		planet.RoundID = *roundID
	} else {
		planet.RoundID++
	}
	if roundNumber != nil {
		planet.CurrentRoundNumber = *roundNumber
	} else {
		planet.CurrentRoundNumber++
	}
	if seasonID != nil {
		planet.SeasonID = *seasonID
	}
	planet.Status = state.PlanetQueued
	planet.NextRoundTime = next
	planet.LastProcessed = now
	planet.ProcessingServerID = ""
	planet.ErrorRetryCount = 0
	if err := e.store.UpdatePlanet(ctx, planet); err != nil {
		e.assignMu.Unlock()
		return err
	}

	worker.Status = state.ServerIdle
	worker.CurrentTask = ""
	worker.TotalCompleted++
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.assignMu.Unlock()
		return err
	}

	e.closeHistoryRow(ctx, planetID, state.TaskCompleted, "", now)
	if err := e.index.Put(ctx, planetID, next); err != nil {
		e.log.Warn("index put failed after completion", "planet_id", planetID, "error", err)
	}
	e.assignMu.Unlock()

	observability.CompletionsTotal.WithLabelValues("completed").Inc()
	e.log.Info("planet completed", "planet_id", planetID, "server_id", serverID,
		"round_id", planet.RoundID, "next_round_time", orchapi.FormatTime(next))
	// The worker is idle again, and the planet itself may already be due.
	e.Nudge()
	return nil
}

// HandleJobSkipped re-queues a planet the worker declined: the worker frees
// up without completion credit and the planet waits for the supplied time.
func (e *Engine) HandleJobSkipped(ctx context.Context, serverID string, f *orchapi.JobSkippedFrame) {
	planetID := f.Planet()
	nextRaw := f.NextRound()
	if planetID == "" || nextRaw == "" {
		e.log.Warn("job_skipped missing fields", "server_id", serverID, "planet_id", planetID)
		return
	}
	next, err := orchapi.ParseTime(nextRaw)
	if err != nil {
		e.log.Warn("job_skipped with bad next_round_time", "server_id", serverID, "planet_id", planetID, "error", err)
		return
	}

	e.assignMu.Lock()
	planet, worker, err := e.lookupCompletionPair(ctx, planetID, serverID)
	if err != nil {
		e.assignMu.Unlock()
		e.log.Warn("job_skipped dropped", "server_id", serverID, "planet_id", planetID, "error", err)
		return
	}

	now := e.clk.Now()
	if !next.After(now) {
		next = now
	}
	planet.Status = state.PlanetQueued
	planet.NextRoundTime = next
	planet.ProcessingServerID = ""
	if err := e.store.UpdatePlanet(ctx, planet); err != nil {
		e.assignMu.Unlock()
		e.log.Error("skip planet update failed", "planet_id", planetID, "error", err)
		return
	}

	worker.Status = state.ServerIdle
	worker.CurrentTask = ""
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.log.Error("skip worker update failed", "server_id", serverID, "error", err)
	}

	reason := f.Reason
	if reason == "" {
		reason = "unspecified"
	}
	e.closeHistoryRow(ctx, planetID, state.TaskCompleted, "skipped: "+reason, now)
	if err := e.index.Put(ctx, planetID, next); err != nil {
		e.log.Warn("index put failed after skip", "planet_id", planetID, "error", err)
	}
	e.assignMu.Unlock()

	observability.CompletionsTotal.WithLabelValues("skipped").Inc()
	e.log.Info("planet skipped", "planet_id", planetID, "server_id", serverID, "reason", reason)
	e.Nudge()
}

// HandleJobError applies the bounded-retry policy: exponential backoff
// 1/2/4/8/16 s that never schedules ahead of the planned round time, and a
// 30 s cooldown with a reset counter once the budget is spent.
func (e *Engine) HandleJobError(ctx context.Context, serverID string, f *orchapi.ErrorFrame) {
	planetID := f.Planet()
	if planetID == "" {
		// Without a planet_id the failure belongs to the worker's current task.
		if worker, ok, err := e.store.GetServer(ctx, serverID); err == nil && ok {
			planetID = worker.CurrentTask
		}
	}
	if planetID == "" {
		e.log.Warn("error frame without planet_id or current task", "server_id", serverID, "error", f.Error)
		return
	}
	message := f.Error
	if message == "" {
		message = "unknown error"
	}

	e.assignMu.Lock()
	planet, worker, err := e.lookupCompletionPair(ctx, planetID, serverID)
	if err != nil {
		e.assignMu.Unlock()
		e.log.Warn("error frame dropped", "server_id", serverID, "planet_id", planetID, "error", err)
		return
	}

	now := e.clk.Now()
	worker.Status = state.ServerIdle
	worker.CurrentTask = ""
	worker.TotalFailed++
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		e.log.Error("error-path worker update failed", "server_id", serverID, "error", err)
	}

	planet.ErrorRetryCount++
	retry := planet.ErrorRetryCount
	var due time.Time
	var histMsg string
	if retry > e.opts.MaxRetries {
		planet.ErrorRetryCount = 0
		due = now.Add(e.opts.RetryCooldown)
		histMsg = fmt.Sprintf("retry budget exhausted, cooling down %s: %s", e.opts.RetryCooldown, message)
		e.log.Warn("planet exceeded retry budget, cooling down",
			"planet_id", planetID, "cooldown", e.opts.RetryCooldown)
	} else {
		backoff := time.Duration(1<<(retry-1)) * time.Second
		due = now.Add(backoff)
		if planet.NextRoundTime.After(due) {
			due = planet.NextRoundTime
		}
		histMsg = fmt.Sprintf("[Retry %d/%d] %s", retry, e.opts.MaxRetries, message)
		e.log.Error("planet round failed",
			"planet_id", planetID, "server_id", serverID, "retry", retry, "backoff", backoff, "error", message)
	}
	planet.Status = state.PlanetError
	planet.ProcessingServerID = ""
	planet.NextRoundTime = due
	if err := e.store.UpdatePlanet(ctx, planet); err != nil {
		e.assignMu.Unlock()
		e.log.Error("error-path planet update failed", "planet_id", planetID, "error", err)
		return
	}

	e.closeHistoryRow(ctx, planetID, state.TaskFailed, histMsg, now)
	if err := e.index.Put(ctx, planetID, due); err != nil {
		e.log.Warn("index put failed after error", "planet_id", planetID, "error", err)
	}
	e.assignMu.Unlock()

	observability.CompletionsTotal.WithLabelValues("failed").Inc()
	e.Nudge()
}

// lookupCompletionPair fetches the planet and worker for a completion and
// enforces the stale-completion guard: a report from a worker that no
// longer owns the planet is dropped without side effects. Callers hold the
// assignment lock.
func (e *Engine) lookupCompletionPair(ctx context.Context, planetID, serverID string) (state.PlanetRecord, state.ServerRecord, error) {
	planet, ok, err := e.store.GetPlanet(ctx, planetID)
	if err != nil {
		return state.PlanetRecord{}, state.ServerRecord{}, err
	}
	if !ok {
		return state.PlanetRecord{}, state.ServerRecord{}, fmt.Errorf("planet %s not found", planetID)
	}
	worker, ok, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return state.PlanetRecord{}, state.ServerRecord{}, err
	}
	if !ok {
		return state.PlanetRecord{}, state.ServerRecord{}, fmt.Errorf("server %s not found", serverID)
	}
	if planet.ProcessingServerID != serverID {
		return state.PlanetRecord{}, state.ServerRecord{}, fmt.Errorf(
			"stale completion: planet %s is owned by %q, not %q", planetID, planet.ProcessingServerID, serverID)
	}
	return planet, worker, nil
}

// closeHistoryRow finalizes the open started row for this attempt. Best
// effort: a missing row is logged, not fatal.
func (e *Engine) closeHistoryRow(ctx context.Context, planetID, status, errMsg string, now time.Time) {
	row, ok, err := e.store.LatestTaskHistory(ctx, planetID, []string{state.TaskStarted})
	if err != nil {
		e.log.Error("history lookup failed", "planet_id", planetID, "error", err)
		return
	}
	if !ok {
		e.log.Warn("no open history row for completion", "planet_id", planetID)
		return
	}
	row.Status = status
	row.EndTime = now
	row.DurationSeconds = now.Sub(row.StartTime).Seconds()
	if errMsg != "" {
		row.ErrorMessage = errMsg
	}
	if err := e.store.UpdateTaskHistory(ctx, row); err != nil {
		e.log.Error("history update failed", "planet_id", planetID, "error", err)
	}
}
