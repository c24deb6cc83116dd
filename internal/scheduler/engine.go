// Package scheduler implements the orchestration core: the assignment
// engine that pairs due planets with idle workers, the completion handler
// for worker-reported results, the health loop that repairs the fleet, and
// the startup reconciler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/observability"
	"github.com/alamin-khalid/planet-orchestrator/internal/registry"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

var (
	ErrPlanetNotFound   = errors.New("planet not found")
	ErrPlanetProcessing = errors.New("planet is being processed")
	ErrInvalidPlanet    = errors.New("invalid planet")
)

var planetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxPlanetIDLength = 100

type Options struct {
	TickInterval   time.Duration
	HealthInterval time.Duration
	HeartbeatStale time.Duration
	HeartbeatDead  time.Duration
	MaxRetries     int
	RetryCooldown  time.Duration
	DispatchLimit  int
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.HeartbeatStale <= 0 {
		o.HeartbeatStale = 30 * time.Second
	}
	if o.HeartbeatDead <= 0 {
		o.HeartbeatDead = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryCooldown <= 0 {
		o.RetryCooldown = 30 * time.Second
	}
	if o.DispatchLimit <= 0 {
		o.DispatchLimit = 20
	}
}

// Engine is the orchestration core. One mutex serializes every planet and
// worker transition — assignment passes, completion handling, health repair
// and session lifecycle all hold it briefly, which is what makes the
// no-double-assignment and no-duplicate-dispatch invariants cheap to keep.
type Engine struct {
	store state.Store
	index state.PendingIndex
	reg   *registry.Registry
	clk   clock.Clock
	log   *slog.Logger
	opts  Options

	assignMu sync.Mutex
	nudge    chan struct{}
}

func NewEngine(store state.Store, index state.PendingIndex, reg *registry.Registry, clk clock.Clock, log *slog.Logger, opts Options) *Engine {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: store,
		index: index,
		reg:   reg,
		clk:   clk,
		log:   log,
		opts:  opts,
		nudge: make(chan struct{}, 1),
	}
}

func (e *Engine) Registry() *registry.Registry { return e.reg }
func (e *Engine) Store() state.Store           { return e.store }

// Nudge asks for an assignment pass ahead of the next tick. Non-blocking;
// a pending nudge absorbs later ones.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Run drives assignment passes until the context is cancelled. The periodic
// tick guarantees liveness even if every nudge is lost; nudges cut latency
// when a worker frees up or a planet becomes due.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.nudge:
		}
		e.AssignPass(ctx)
	}
}

// AssignPass runs one assignment iteration: due planets oldest-first zipped
// against idle workers least-loaded-first, each pair revalidated and
// committed under the assignment lock. Returns the number of dispatches.
func (e *Engine) AssignPass(ctx context.Context) int {
	ctx, span := observability.StartSpan(ctx, "scheduler.assign_pass")
	defer span.End()

	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	now := e.clk.Now()
	idle, err := e.reg.IdleCandidates(ctx, e.opts.DispatchLimit)
	if err != nil {
		e.log.Error("idle candidate lookup failed", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	due, err := e.index.RangeDue(ctx, now, len(idle))
	if err != nil {
		e.log.Warn("pending index unavailable, falling back to store", "error", err)
		due = nil
	}
	if len(due) == 0 {
		due = e.recoverMissedPlanets(ctx, now, len(idle))
	}
	if len(due) == 0 {
		return 0
	}

	assigned := 0
	pi, wi := 0, 0
	for pi < len(due) && wi < len(idle) {
		entry := due[pi]
		planet, ok, err := e.store.GetPlanet(ctx, entry.PlanetID)
		if err != nil {
			e.log.Error("planet lookup failed", "planet_id", entry.PlanetID, "error", err)
			pi++
			continue
		}
		if !ok {
			// Deleted planet still in the index; clean up the stale entry.
			_ = e.index.Remove(ctx, entry.PlanetID)
			pi++
			continue
		}
		if (planet.Status != state.PlanetQueued && planet.Status != state.PlanetError) || planet.NextRoundTime.After(now) {
			observability.AssignmentAbortsTotal.WithLabelValues("planet_changed").Inc()
			pi++
			continue
		}

		worker, ok, err := e.store.GetServer(ctx, idle[wi].ID)
		if err != nil || !ok {
			wi++
			continue
		}
		sess, live := e.reg.Get(worker.ID)
		if !live || worker.Status != state.ServerIdle || worker.CurrentTask != "" {
			observability.AssignmentAbortsTotal.WithLabelValues("worker_changed").Inc()
			wi++
			continue
		}

		frame := orchapi.AssignJobFrame{
			Type:     orchapi.FrameAssignJob,
			PlanetID: planet.ID,
			SeasonID: planet.SeasonID,
			RoundID:  planet.RoundID,
		}
		if !sess.TrySend(frame) {
			// Outbound queue full: the worker is likely stuck, leave the
			// planet indexed and let the health loop deal with the worker.
			observability.AssignmentAbortsTotal.WithLabelValues("send_queue_full").Inc()
			e.log.Warn("outbound queue full, skipping worker", "server_id", worker.ID)
			wi++
			continue
		}

		if err := e.commitAssignment(ctx, planet, worker, now); err != nil {
			e.log.Error("assignment commit failed", "planet_id", planet.ID, "server_id", worker.ID, "error", err)
			pi++
			wi++
			continue
		}
		e.log.Info("planet assigned", "planet_id", planet.ID, "server_id", worker.ID, "round_id", planet.RoundID)
		assigned++
		pi++
		wi++
	}

	span.SetAttributes(attribute.Int("assignments.count", assigned))
	e.refreshQueueGauge(ctx)
	return assigned
}

func (e *Engine) commitAssignment(ctx context.Context, planet state.PlanetRecord, worker state.ServerRecord, now time.Time) error {
	planet.Status = state.PlanetProcessing
	planet.ProcessingServerID = worker.ID
	if err := e.store.UpdatePlanet(ctx, planet); err != nil {
		return err
	}

	worker.Status = state.ServerBusy
	worker.CurrentTask = planet.ID
	worker.TotalAssigned++
	if err := e.store.UpdateServer(ctx, worker); err != nil {
		return err
	}

	if err := e.openHistoryRow(ctx, planet, worker, now); err != nil {
		return err
	}

	if err := e.index.Remove(ctx, planet.ID); err != nil {
		e.log.Warn("index remove failed after assignment", "planet_id", planet.ID, "error", err)
	}
	observability.AssignmentsTotal.Inc()
	return nil
}

// openHistoryRow creates the started row for this attempt, or reuses the
// latest failed row when the planet is retrying so history stays one row
// per attempt chain.
func (e *Engine) openHistoryRow(ctx context.Context, planet state.PlanetRecord, worker state.ServerRecord, now time.Time) error {
	if planet.ErrorRetryCount > 0 {
		row, ok, err := e.store.LatestTaskHistory(ctx, planet.ID, []string{state.TaskFailed})
		if err != nil {
			return err
		}
		if ok {
			row.ServerID = worker.ID
			row.Status = state.TaskStarted
			row.StartTime = now
			row.EndTime = time.Time{}
			row.DurationSeconds = 0
			// Error message kept so the retry history stays readable.
			return e.store.UpdateTaskHistory(ctx, row)
		}
	}
	_, err := e.store.InsertTaskHistory(ctx, state.TaskHistoryRecord{
		PlanetID:  planet.ID,
		ServerID:  worker.ID,
		StartTime: now,
		Status:    state.TaskStarted,
	})
	return err
}

// recoverMissedPlanets is the self-healing fallback: when the index has no
// due members, queued planets past their due time in the Store are
// re-indexed and returned so a lost index never stalls dispatch.
func (e *Engine) recoverMissedPlanets(ctx context.Context, now time.Time, limit int) []state.PendingEntry {
	missed, err := e.store.ListDuePlanets(ctx, now, limit)
	if err != nil {
		e.log.Error("due-planet fallback query failed", "error", err)
		return nil
	}
	if len(missed) == 0 {
		return nil
	}
	e.log.Warn("queued planets missing from index, re-queueing", "count", len(missed))
	out := make([]state.PendingEntry, 0, len(missed))
	for _, p := range missed {
		if err := e.index.Put(ctx, p.ID, p.NextRoundTime); err != nil {
			e.log.Warn("index put failed during recovery", "planet_id", p.ID, "error", err)
		}
		observability.IndexRepairsTotal.WithLabelValues("insert").Inc()
		out = append(out, state.PendingEntry{PlanetID: p.ID, Due: p.NextRoundTime})
	}
	return out
}

// CreatePlanet registers a planet, indexes it due immediately, and nudges
// the engine.
func (e *Engine) CreatePlanet(ctx context.Context, req orchapi.CreatePlanetRequest) (state.PlanetRecord, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.create_planet")
	defer span.End()

	id := req.Planet()
	if id == "" {
		return state.PlanetRecord{}, fmt.Errorf("%w: planet_id is required", ErrInvalidPlanet)
	}
	if len(id) > maxPlanetIDLength {
		return state.PlanetRecord{}, fmt.Errorf("%w: planet_id must be %d characters or less", ErrInvalidPlanet, maxPlanetIDLength)
	}
	if !planetIDPattern.MatchString(id) {
		return state.PlanetRecord{}, fmt.Errorf("%w: planet_id must contain only letters, numbers, underscores, and hyphens", ErrInvalidPlanet)
	}
	if req.SeasonID <= 0 {
		return state.PlanetRecord{}, fmt.Errorf("%w: season_id is required", ErrInvalidPlanet)
	}

	now := e.clk.Now()
	rec := state.PlanetRecord{
		ID:                 id,
		SeasonID:           req.SeasonID,
		RoundID:            req.RoundID,
		CurrentRoundNumber: req.CurrentRoundNumber,
		NextRoundTime:      now,
		Status:             state.PlanetQueued,
		CreatedAt:          now,
	}
	if err := e.store.CreatePlanet(ctx, rec); err != nil {
		return state.PlanetRecord{}, err
	}
	if err := e.index.Put(ctx, id, now); err != nil {
		// Planet exists either way; the engine's store fallback will find it.
		e.log.Warn("index put failed on create", "planet_id", id, "error", err)
	}
	e.log.Info("planet created", "planet_id", id, "season_id", req.SeasonID)
	e.Nudge()
	return rec, nil
}

// DeletePlanet removes a planet and its index entry. Planets mid-processing
// are protected; the caller retries after the round finishes.
func (e *Engine) DeletePlanet(ctx context.Context, planetID string) error {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	planet, ok, err := e.store.GetPlanet(ctx, planetID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPlanetNotFound
	}
	if planet.Status == state.PlanetProcessing {
		return ErrPlanetProcessing
	}
	if err := e.store.DeletePlanet(ctx, planetID); err != nil {
		return err
	}
	if err := e.index.Remove(ctx, planetID); err != nil {
		e.log.Warn("index remove failed on delete", "planet_id", planetID, "error", err)
	}
	e.log.Info("planet removed", "planet_id", planetID)
	return nil
}

// QueueSnapshot assembles the /queue statistics.
func (e *Engine) QueueSnapshot(ctx context.Context) (orchapi.QueueStatus, error) {
	out := orchapi.QueueStatus{}
	size, err := e.index.Size(ctx)
	if err != nil {
		e.log.Warn("index size unavailable", "error", err)
	} else {
		out.QueueSize = size
	}
	if next, ok, err := e.index.PeekNext(ctx); err == nil && ok {
		due := orchapi.FormatTime(next.Due)
		out.NextDueTime = &due
	}
	if out.IdleServers, err = e.store.CountServersByStatus(ctx, state.ServerIdle); err != nil {
		return out, err
	}
	if out.BusyServers, err = e.store.CountServersByStatus(ctx, state.ServerBusy); err != nil {
		return out, err
	}
	if out.OfflineServers, err = e.store.CountServersByStatus(ctx, state.ServerOffline); err != nil {
		return out, err
	}
	if out.QueuedPlanets, err = e.store.CountPlanetsByStatus(ctx, state.PlanetQueued); err != nil {
		return out, err
	}
	if out.ProcessingPlanets, err = e.store.CountPlanetsByStatus(ctx, state.PlanetProcessing); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) refreshQueueGauge(ctx context.Context) {
	if size, err := e.index.Size(ctx); err == nil {
		observability.PendingPlanets.Set(float64(size))
	}
}
