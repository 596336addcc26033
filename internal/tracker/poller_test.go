package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/custos/internal/models"
)

func TestPollerFetchesOnInterval(t *testing.T) {
	e := newTestEngine()
	e.api.setSnapshot("job-1", runningSnapshot(timePtr(time.Now()), true))

	e.registry.Track("job-1", models.JobTypeCrawl, nil)
	e.poller.Start("job-1")

	e.sched.Advance(0) // first tick fires immediately
	if got := e.api.fetches("job-1"); got != 1 {
		t.Fatalf("fetches after start = %d, want 1", got)
	}

	e.sched.Advance(3 * time.Second)
	e.sched.Advance(3 * time.Second)
	if got := e.api.fetches("job-1"); got != 3 {
		t.Errorf("fetches after two crawl intervals = %d, want 3", got)
	}
}

func TestPollerSkipsOverlappingTick(t *testing.T) {
	e := newTestEngine()
	e.registry.Track("job-1", models.JobTypeCrawl, nil)
	e.poller.Start("job-1")
	e.sched.Advance(0)

	// hold the in-flight slot as if a fetch were still outstanding
	if _, _, ok := e.registry.beginFetch("job-1"); !ok {
		t.Fatal("expected to reserve the in-flight slot")
	}

	before := e.api.fetches("job-1")
	e.sched.Advance(3 * time.Second)
	e.sched.Advance(3 * time.Second)
	if got := e.api.fetches("job-1"); got != before {
		t.Errorf("ticks during an outstanding fetch must be skipped, got %d extra fetches", got-before)
	}

	// the slow response finally lands; cadence resumes without pileup
	e.registry.endFetch("job-1")
	e.sched.Advance(3 * time.Second)
	if got := e.api.fetches("job-1"); got != before+1 {
		t.Errorf("fetches after slot released = %d, want %d", got, before+1)
	}
}

func TestPollerStopsOnTerminalStatus(t *testing.T) {
	e := newTestEngine()
	e.api.setSnapshot("job-1", runningSnapshot(timePtr(time.Now()), true))
	e.registry.Track("job-1", models.JobTypeExtraction, nil)
	e.poller.Start("job-1")
	e.sched.Advance(0)

	e.api.setSnapshot("job-1", &models.JobSnapshot{Status: models.JobStatusCompleted})
	e.sched.Advance(2 * time.Second)
	after := e.api.fetches("job-1")

	// no further tick fires once the job is terminal
	e.sched.Advance(time.Minute)
	if got := e.api.fetches("job-1"); got != after {
		t.Errorf("poller kept fetching a terminal job: %d -> %d", after, got)
	}
}

func TestPollerNoFetchAfterUntrack(t *testing.T) {
	e := newTestEngine()
	e.registry.Track("job-1", models.JobTypeSync, nil)
	e.poller.Start("job-1")
	e.sched.Advance(0)

	e.registry.Untrack("job-1")
	before := e.api.fetches("job-1")

	e.sched.Advance(time.Minute)
	if got := e.api.fetches("job-1"); got != before {
		t.Errorf("fetch occurred after untrack: %d -> %d", before, got)
	}
	if e.sched.livePending() != 0 {
		t.Errorf("dangling timers after untrack: %d", e.sched.livePending())
	}
}

func TestPollerSingleChainAfterPoke(t *testing.T) {
	e := newTestEngine()
	e.api.setSnapshot("job-1", runningSnapshot(timePtr(time.Now()), true))
	e.registry.Track("job-1", models.JobTypeCrawl, nil)
	e.poller.Start("job-1")
	e.sched.Advance(0)

	// an out-of-cycle poke fetches immediately without forking the cadence
	e.poller.Poke("job-1")
	if got := e.api.fetches("job-1"); got != 2 {
		t.Fatalf("fetches after poke = %d, want 2", got)
	}
	if e.sched.livePending() != 1 {
		t.Errorf("poll handles after poke = %d, want 1", e.sched.livePending())
	}

	e.sched.Advance(3 * time.Second)
	if got := e.api.fetches("job-1"); got != 3 {
		t.Errorf("fetches after next interval = %d, want 3", got)
	}
}

func TestPollerTransientErrorKeepsPolling(t *testing.T) {
	e := newTestEngine()
	snap := runningSnapshot(timePtr(time.Now()), true)
	snap.Progress = &models.JobProgress{Current: 4, Total: 10}
	e.api.setSnapshot("job-1", snap)

	e.registry.Track("job-1", models.JobTypeCrawl, nil)
	e.poller.Start("job-1")
	e.sched.Advance(0)

	rec, _ := e.registry.Get("job-1")
	if rec.Progress.Current != 4 {
		t.Fatalf("expected progress applied, got %+v", rec.Progress)
	}

	// a network hiccup leaves the record untouched and tracking intact
	e.api.mu.Lock()
	e.api.fetchErr = context.DeadlineExceeded
	e.api.mu.Unlock()
	e.sched.Advance(3 * time.Second)

	rec, ok := e.registry.Get("job-1")
	if !ok {
		t.Fatal("transient fetch failure must never end tracking")
	}
	if rec.Status != models.JobStatusRunning || rec.Progress.Current != 4 {
		t.Errorf("record mutated by failed fetch: %+v", rec)
	}

	// the next tick retries and succeeds
	e.api.mu.Lock()
	e.api.fetchErr = nil
	e.api.snapshots["job-1"].Progress = &models.JobProgress{Current: 6, Total: 10}
	e.api.mu.Unlock()
	e.sched.Advance(3 * time.Second)

	rec, _ = e.registry.Get("job-1")
	if rec.Progress.Current != 6 {
		t.Errorf("retry did not apply fresh snapshot: %+v", rec.Progress)
	}
}
