package tracker

import (
	"testing"
	"time"

	"github.com/ternarybob/custos/internal/models"
)

func TestSharedJobHasSingleUnderlyingPoll(t *testing.T) {
	e := newTestEngine()
	e.api.setSnapshot("job-1", runningSnapshot(timePtr(time.Now()), true))

	// a detail page and a global active-jobs panel watch the same job
	detail := e.surface.ObserveJob("job-1", models.JobTypeCrawl, nil)
	panel := e.surface.ObserveJob("job-1", models.JobTypeCrawl, nil)

	e.sched.Advance(0)
	e.sched.Advance(3 * time.Second)
	if got := e.api.fetches("job-1"); got != 2 {
		t.Errorf("fetches with two observers = %d, want 2 (one poll chain)", got)
	}
	if e.sched.livePending() != 1 {
		t.Errorf("live poll handles = %d, want 1", e.sched.livePending())
	}

	// closing one observer keeps the job tracked
	detail.Close()
	if _, ok := e.registry.Get("job-1"); !ok {
		t.Fatal("job untracked while a subscription still references it")
	}

	// closing the last observer cancels the poll
	panel.Close()
	if _, ok := e.registry.Get("job-1"); ok {
		t.Error("job should be untracked after last subscription closes")
	}
	before := e.api.fetches("job-1")
	e.sched.Advance(time.Minute)
	if got := e.api.fetches("job-1"); got != before {
		t.Error("poll survived the last unsubscribe")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine()
	sub1 := e.surface.ObserveJob("job-1", models.JobTypeSync, nil)
	sub2 := e.surface.ObserveJob("job-1", models.JobTypeSync, nil)

	sub1.Close()
	sub1.Close() // double close must not steal sub2's reference

	if _, ok := e.registry.Get("job-1"); !ok {
		t.Error("double close released another subscription's reference")
	}
	sub2.Close()
	if _, ok := e.registry.Get("job-1"); ok {
		t.Error("job should be untracked once all subscriptions close")
	}
}

func TestObserveJobSurvivesConcurrentLastClose(t *testing.T) {
	e := newTestEngine()

	// a new observer racing the last subscriber's close must always end up
	// watching a tracked job, whichever side wins the registry
	for i := 0; i < 500; i++ {
		first := e.surface.ObserveJob("job-1", models.JobTypeCrawl, nil)
		done := make(chan struct{})
		go func() {
			first.Close()
			close(done)
		}()
		second := e.surface.ObserveJob("job-1", models.JobTypeCrawl, nil)
		<-done

		if _, ok := second.Job(); !ok {
			t.Fatalf("iteration %d: subscription observes nothing after racing a close", i)
		}
		second.Close()
	}
}

func TestRepeatedSubscribeCyclesLeaveNoDuplicateTimers(t *testing.T) {
	e := newTestEngine()
	e.api.setSnapshot("job-1", runningSnapshot(timePtr(time.Now()), true))

	for i := 0; i < 5; i++ {
		sub := e.surface.ObserveJob("job-1", models.JobTypeExtraction, nil)
		e.sched.Advance(0)
		sub.Close()
	}

	if e.sched.livePending() != 0 {
		t.Errorf("live timers after subscribe/unsubscribe cycles = %d, want 0", e.sched.livePending())
	}
}

func TestObserveResource(t *testing.T) {
	e := newTestEngine()
	col := models.ResourceRef{ID: "col-3", Kind: "collection"}
	e.surface.Adopt("job-1", models.JobTypeCrawl, &col)

	sub := e.surface.ObserveResource(col)
	rec, ok := sub.Job()
	if !ok || rec.ID != "job-1" {
		t.Errorf("resource observation = (%+v, %v), want job-1", rec, ok)
	}

	none := e.surface.ObserveResource(models.ResourceRef{ID: "col-9", Kind: "collection"})
	if _, ok := none.Job(); ok {
		t.Error("expected no job for an unrelated resource")
	}
}

func TestObserveTypeView(t *testing.T) {
	e := newTestEngine()
	e.surface.Adopt("crawl-1", models.JobTypeCrawl, nil)
	e.surface.Adopt("crawl-2", models.JobTypeCrawl, nil)
	e.surface.Adopt("sync-1", models.JobTypeSync, nil)

	sub := e.surface.ObserveType(models.JobTypeCrawl)
	if got := sub.Jobs(); len(got) != 2 {
		t.Errorf("type view has %d jobs, want 2", len(got))
	}
}

func TestMergeViewsDeduplicates(t *testing.T) {
	base := time.Now()
	active := []models.JobRecord{
		{ID: "job-1", Status: models.JobStatusRunning, CreatedAt: base.Add(-time.Minute)},
		{ID: "job-2", Status: models.JobStatusRunning, CreatedAt: base.Add(-2 * time.Minute)},
	}
	deletion := []models.JobRecord{
		{ID: "job-2", Status: models.JobStatusCancelling, CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "job-3", Status: models.JobStatusRunning, CreatedAt: base},
	}

	merged := MergeViews(active, deletion)
	if len(merged) != 3 {
		t.Fatalf("merged view has %d entries, want 3", len(merged))
	}
	if merged[0].ID != "job-3" {
		t.Errorf("merged view not sorted newest first: %s", merged[0].ID)
	}
	for _, rec := range merged {
		if rec.ID == "job-2" && rec.Status != models.JobStatusRunning {
			t.Error("first view should win for duplicated ids")
		}
	}
}
