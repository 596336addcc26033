package tracker

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/models"
)

func newTestRegistry() *Registry {
	return NewRegistry(arbor.NewLogger())
}

func TestTrackIsIdempotent(t *testing.T) {
	r := newTestRegistry()

	if !r.Track("job-1", models.JobTypeCrawl, nil) {
		t.Fatal("first Track should report newly tracked")
	}
	if r.Track("job-1", models.JobTypeCrawl, nil) {
		t.Error("re-registration should be a no-op")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 tracked job, got %d", r.Len())
	}
}

func TestUpdateMergesWithoutErasing(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeExtraction, nil)

	progress := models.JobProgress{Current: 5, Total: 10, Percent: 50}
	r.Update("job-1", models.JobPatch{Progress: &progress})

	// a later partial patch carrying only status must not erase progress
	status := models.JobStatusRunning
	r.Update("job-1", models.JobPatch{Status: &status})

	rec, ok := r.Get("job-1")
	if !ok {
		t.Fatal("job should be tracked")
	}
	if rec.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
	if rec.Progress.Current != 5 || rec.Progress.Total != 10 {
		t.Errorf("progress erased by partial patch: %+v", rec.Progress)
	}
}

func TestQueryByTypeAndResource(t *testing.T) {
	r := newTestRegistry()
	colA := &models.ResourceRef{ID: "col-a", Kind: "collection"}
	r.Track("job-1", models.JobTypeCrawl, colA)
	r.Track("job-2", models.JobTypeCrawl, nil)
	r.Track("job-3", models.JobTypeSync, nil)

	if got := r.Query(Query{Type: models.JobTypeCrawl}); len(got) != 2 {
		t.Errorf("crawl query returned %d jobs, want 2", len(got))
	}
	byRes := r.Query(Query{Resource: colA})
	if len(byRes) != 1 || byRes[0].ID != "job-1" {
		t.Errorf("resource query = %+v, want job-1", byRes)
	}

	r.Untrack("job-1")
	if got := r.Query(Query{Resource: colA}); len(got) != 0 {
		t.Errorf("resource index should be empty after untrack, got %d", len(got))
	}
}

func TestQueryActiveOnly(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeCrawl, nil)
	r.Track("job-2", models.JobTypeCrawl, nil)

	done := models.JobStatusCompleted
	r.Update("job-2", models.JobPatch{Status: &done})

	got := r.Query(Query{Type: models.JobTypeCrawl, ActiveOnly: true})
	if len(got) != 1 || got[0].ID != "job-1" {
		t.Errorf("active-only query = %+v, want only job-1", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeSync, nil)

	rec, _ := r.Get("job-1")
	rec.Status = models.JobStatusFailed
	rec.Progress.Current = 99

	fresh, _ := r.Get("job-1")
	if fresh.Status == models.JobStatusFailed || fresh.Progress.Current == 99 {
		t.Error("mutating a returned record must not affect registry storage")
	}
}

func TestBeginFetchSingleFlight(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeCrawl, nil)

	seq1, jobType, ok := r.beginFetch("job-1")
	if !ok || jobType != models.JobTypeCrawl || seq1 != 1 {
		t.Fatalf("beginFetch = (%d, %s, %v), want (1, crawl, true)", seq1, jobType, ok)
	}

	if _, _, ok := r.beginFetch("job-1"); ok {
		t.Error("second beginFetch while in flight should be refused")
	}

	r.endFetch("job-1")
	seq2, _, ok := r.beginFetch("job-1")
	if !ok || seq2 != 2 {
		t.Errorf("sequence after endFetch = %d, want 2", seq2)
	}
}

func TestApplySnapshotDiscardsOutOfOrder(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeCrawl, nil)

	seq1, _, _ := r.beginFetch("job-1")
	r.endFetch("job-1")
	seq2, _, _ := r.beginFetch("job-1")
	r.endFetch("job-1")

	// the later fetch returns first
	newer := &models.JobSnapshot{
		Status:   models.JobStatusRunning,
		Progress: &models.JobProgress{Current: 8, Total: 10},
	}
	if res := r.applySnapshot("job-1", newer, seq2); res.outcome != applyApplied {
		t.Fatal("newer snapshot should apply")
	}

	older := &models.JobSnapshot{
		Status:   models.JobStatusSubmitted,
		Progress: &models.JobProgress{Current: 2, Total: 10},
	}
	if res := r.applySnapshot("job-1", older, seq1); res.outcome != applyStale {
		t.Fatal("older snapshot should be discarded as stale")
	}

	rec, _ := r.Get("job-1")
	if rec.Status != models.JobStatusRunning || rec.Progress.Current != 8 {
		t.Errorf("record regressed to stale values: %+v", rec)
	}
}

func TestApplySnapshotNotifiesOnce(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeExtraction, nil)

	calls := 0
	r.addCompletionCallback("job-1", func(models.JobRecord) { calls++ })

	terminal := &models.JobSnapshot{Status: models.JobStatusCompleted}

	seq, _, _ := r.beginFetch("job-1")
	r.endFetch("job-1")
	res := r.applySnapshot("job-1", terminal, seq)
	if !res.completed || len(res.callbacks) != 1 {
		t.Fatalf("first terminal apply should claim notification, got %+v", res)
	}
	for _, cb := range res.callbacks {
		cb(res.record)
	}

	// a duplicate terminal snapshot must not re-claim the notification
	res = r.applySnapshot("job-1", terminal, seq+10)
	if res.completed || len(res.callbacks) != 0 {
		t.Error("completion must notify exactly once per job")
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times, want 1", calls)
	}
}

func TestLateCompletionCallbackFiresImmediately(t *testing.T) {
	r := newTestRegistry()
	r.Track("job-1", models.JobTypeSync, nil)

	seq, _, _ := r.beginFetch("job-1")
	r.endFetch("job-1")
	r.applySnapshot("job-1", &models.JobSnapshot{Status: models.JobStatusCompleted}, seq)

	rec, fired, tracked := r.addCompletionCallback("job-1", func(models.JobRecord) {})
	if !tracked || !fired {
		t.Fatalf("late registration on completed job: fired=%v tracked=%v", fired, tracked)
	}
	if rec.Status != models.JobStatusCompleted {
		t.Errorf("returned record status = %s, want completed", rec.Status)
	}
}

func TestUntrackCancelsPollHandle(t *testing.T) {
	r := newTestRegistry()
	sched := newManualScheduler()
	r.Track("job-1", models.JobTypeCrawl, nil)

	fired := false
	r.schedulePoll("job-1", time.Second, sched, func() { fired = true })
	r.Untrack("job-1")

	sched.Advance(5 * time.Second)
	if fired {
		t.Error("poll callback fired after untrack")
	}
	if sched.livePending() != 0 {
		t.Errorf("dangling timers after untrack: %d", sched.livePending())
	}
}

func TestTerminalJobHoldsNoLiveHandle(t *testing.T) {
	r := newTestRegistry()
	sched := newManualScheduler()
	r.Track("job-1", models.JobTypeCrawl, nil)
	r.schedulePoll("job-1", time.Minute, sched, func() {})

	seq, _, _ := r.beginFetch("job-1")
	r.endFetch("job-1")
	r.applySnapshot("job-1", &models.JobSnapshot{Status: models.JobStatusFailed}, seq)

	if sched.livePending() != 0 {
		t.Error("terminal transition must cancel the live poll handle")
	}
	if r.schedulePoll("job-1", time.Minute, sched, func() {}) {
		t.Error("scheduling a poll for a terminal job must be refused")
	}
}
