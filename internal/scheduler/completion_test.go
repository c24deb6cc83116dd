package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alamin-khalid/planet-orchestrator/internal/state"
	"github.com/alamin-khalid/planet-orchestrator/pkg/orchapi"
)

func assignOnce(t *testing.T, rig *testRig, planetID, serverID string) {
	t.Helper()
	if n := rig.engine.AssignPass(context.Background()); n != 1 {
		t.Fatalf("expected assignment of %s to %s, got %d", planetID, serverID, n)
	}
	p := rig.mustPlanet(t, planetID)
	if p.Status != state.PlanetProcessing || p.ProcessingServerID != serverID {
		t.Fatalf("assignment mismatch: %+v", p)
	}
}

func TestErrorBackoffSchedule(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")

	wantBackoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, backoff := range wantBackoffs {
		assignOnce(t, rig, "p1", "w1")
		failedAt := rig.clk.Now()
		rig.engine.HandleJobError(ctx, "w1", &orchapi.ErrorFrame{
			Type: orchapi.FrameError, PlanetID: "p1", Error: "out of memory",
		})

		p := rig.mustPlanet(t, "p1")
		if p.Status != state.PlanetError {
			t.Fatalf("retry %d: expected error status, got %s", i+1, p.Status)
		}
		if p.ErrorRetryCount != i+1 {
			t.Fatalf("retry %d: count %d", i+1, p.ErrorRetryCount)
		}
		wantDue := failedAt.Add(backoff)
		if !p.NextRoundTime.Equal(wantDue) {
			t.Fatalf("retry %d: due %v, want %v", i+1, p.NextRoundTime, wantDue)
		}
		entries, _ := rig.index.Entries(ctx)
		if len(entries) != 1 || !entries[0].Due.Equal(wantDue) {
			t.Fatalf("retry %d: index due %v, want %v", i+1, entries, wantDue)
		}

		// Step past the backoff so the next pass can assign again.
		rig.clk.Advance(backoff + time.Second)
	}

	// The sixth failure resets the budget and imposes the cooldown.
	assignOnce(t, rig, "p1", "w1")
	failedAt := rig.clk.Now()
	rig.engine.HandleJobError(ctx, "w1", &orchapi.ErrorFrame{
		Type: orchapi.FrameError, PlanetID: "p1", Error: "still broken",
	})
	p := rig.mustPlanet(t, "p1")
	if p.ErrorRetryCount != 0 {
		t.Fatalf("retry budget should reset, count=%d", p.ErrorRetryCount)
	}
	if p.Status != state.PlanetError {
		t.Fatalf("expected error status after reset, got %s", p.Status)
	}
	if want := failedAt.Add(30 * time.Second); !p.NextRoundTime.Equal(want) {
		t.Fatalf("cooldown due %v, want %v", p.NextRoundTime, want)
	}

	w := rig.mustServer(t, "w1")
	if w.TotalFailed != 6 || w.Status != state.ServerIdle || w.CurrentTask != "" {
		t.Fatalf("worker after failures: %+v", w)
	}
}

func TestErrorBackoffNeverBeatsScheduledRound(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	assignOnce(t, rig, "p1", "w1")

	// Push the planned round time well past the backoff window.
	p := rig.mustPlanet(t, "p1")
	planned := rig.clk.Now().Add(time.Hour)
	p.NextRoundTime = planned
	if err := rig.store.UpdatePlanet(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	rig.engine.HandleJobError(ctx, "w1", &orchapi.ErrorFrame{
		Type: orchapi.FrameError, PlanetID: "p1", Error: "boom",
	})
	p = rig.mustPlanet(t, "p1")
	if !p.NextRoundTime.Equal(planned) {
		t.Fatalf("retry must not run before the scheduled round: due %v, want %v", p.NextRoundTime, planned)
	}
}

func TestRetriesReuseOneHistoryRow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")

	for i := 0; i < 3; i++ {
		assignOnce(t, rig, "p1", "w1")
		rig.engine.HandleJobError(ctx, "w1", &orchapi.ErrorFrame{
			Type: orchapi.FrameError, PlanetID: "p1", Error: "transient",
		})
		rig.clk.Advance(time.Minute)
	}

	rows, err := rig.store.ListTaskHistory(ctx, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("retries must reuse the attempt row, got %d rows", len(rows))
	}
	if rows[0].Status != state.TaskFailed {
		t.Fatalf("row status %s", rows[0].Status)
	}
	if !strings.Contains(rows[0].ErrorMessage, "[Retry 3/5]") {
		t.Fatalf("error message should carry the retry count: %q", rows[0].ErrorMessage)
	}
}

func TestStaleCompletionIsDropped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	rig.connectIdleWorker(t, "w2")
	assignOnce(t, rig, "p1", "w1")

	before := rig.mustPlanet(t, "p1")
	rig.engine.HandleJobDone(ctx, "w2", &orchapi.JobDoneFrame{
		Type:          orchapi.FrameJobDone,
		PlanetID:      "p1",
		NextRoundTime: orchapi.FormatTime(rig.clk.Now().Add(time.Minute)),
	})

	after := rig.mustPlanet(t, "p1")
	if after.Status != before.Status || after.ProcessingServerID != before.ProcessingServerID {
		t.Fatalf("stale completion must not change the planet: %+v", after)
	}
	if w2 := rig.mustServer(t, "w2"); w2.TotalCompleted != 0 {
		t.Fatalf("stale reporter must not get credit: %+v", w2)
	}
}

func TestSkipRequeuesWithoutCredit(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	assignOnce(t, rig, "p1", "w1")

	next := rig.clk.Now().Add(10 * time.Minute)
	rig.engine.HandleJobSkipped(ctx, "w1", &orchapi.JobSkippedFrame{
		Type:          orchapi.FrameJobSkipped,
		PlanetID:      "p1",
		NextRoundTime: orchapi.FormatTime(next),
		Reason:        "season rollover in progress",
	})

	p := rig.mustPlanet(t, "p1")
	if p.Status != state.PlanetQueued || !p.NextRoundTime.Equal(next) {
		t.Fatalf("skip should requeue at the supplied time: %+v", p)
	}
	if p.CurrentRoundNumber != 0 || p.RoundID != 0 {
		t.Fatalf("skip must not advance rounds: %+v", p)
	}
	w := rig.mustServer(t, "w1")
	if w.Status != state.ServerIdle || w.TotalCompleted != 0 {
		t.Fatalf("skip gives no completion credit: %+v", w)
	}
	row, ok, _ := rig.store.LatestTaskHistory(ctx, "p1", []string{state.TaskCompleted})
	if !ok || !strings.Contains(row.ErrorMessage, "skipped: season rollover in progress") {
		t.Fatalf("history should record the skip reason: %+v", row)
	}
}

func TestJobDonePastDueTimeIsClampedToNow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	assignOnce(t, rig, "p1", "w1")

	rig.clk.Advance(time.Minute)
	stale := rig.clk.Now().Add(-30 * time.Second)
	rig.engine.HandleJobDone(ctx, "w1", &orchapi.JobDoneFrame{
		Type:          orchapi.FrameJobDone,
		PlanetID:      "p1",
		NextRoundTime: orchapi.FormatTime(stale),
	})

	p := rig.mustPlanet(t, "p1")
	if !p.NextRoundTime.Equal(rig.clk.Now()) {
		t.Fatalf("past due time should clamp to now: %v", p.NextRoundTime)
	}
}

func TestJobDoneTrustsWorkerGameState(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	assignOnce(t, rig, "p1", "w1")

	season, round, number := 42, 65, 1234
	rig.engine.HandleJobDone(ctx, "w1", &orchapi.JobDoneFrame{
		Type:                orchapi.FrameJobDone,
		MapID:               "p1", // legacy alias
		NextCalculationTime: orchapi.FormatTime(rig.clk.Now().Add(time.Minute)),
		SeasonID:            &season,
		RoundID:             &round,
		RoundNumber:         &number,
	})

	p := rig.mustPlanet(t, "p1")
	if p.SeasonID != 42 || p.RoundID != 65 || p.CurrentRoundNumber != 1234 {
		t.Fatalf("worker-supplied game state must win: %+v", p)
	}
}

func TestSubmitResultHTTPFallback(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createPlanet(t, "p1", 1)
	rig.connectIdleWorker(t, "w1")
	assignOnce(t, rig, "p1", "w1")

	next := rig.clk.Now().Add(time.Minute)
	err := rig.engine.SubmitResult(ctx, orchapi.SubmitResultRequest{
		PlanetID: "p1", ServerID: "w1", NextRoundTime: orchapi.FormatTime(next),
	})
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}
	if p := rig.mustPlanet(t, "p1"); p.Status != state.PlanetQueued {
		t.Fatalf("planet should complete via HTTP fallback: %+v", p)
	}

	if err := rig.engine.SubmitResult(ctx, orchapi.SubmitResultRequest{PlanetID: "p1", ServerID: "w1"}); err == nil {
		t.Fatalf("missing next_round_time must be rejected")
	}
	if err := rig.engine.SubmitResult(ctx, orchapi.SubmitResultRequest{
		PlanetID: "p1", ServerID: "w1", NextRoundTime: "yesterday",
	}); err == nil {
		t.Fatalf("unparseable next_round_time must be rejected")
	}
}
