package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

// manualScheduler drives the engine with simulated time. Advance runs due
// callbacks synchronously so tests never sleep on wall-clock timers.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	sched   *manualScheduler
	due     time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (s *manualScheduler) After(d time.Duration, fn func()) interfaces.TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{sched: s, due: s.now + d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	t.stopped = true
}

// Advance moves simulated time forward, firing due timers in order.
// Callbacks run outside the lock and may schedule further timers.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		var next *manualTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.due > target {
				continue
			}
			if next == nil || t.due < next.due {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		if next.due > s.now {
			s.now = next.due
		}
		fn := next.fn
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// livePending counts scheduled timers that have neither fired nor been stopped
func (s *manualScheduler) livePending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// stubAPI is a scriptable in-memory job API
type stubAPI struct {
	mu        sync.Mutex
	snapshots map[string]*models.JobSnapshot
	summaries map[models.JobType][]*models.JobSummary

	fetchErr  error
	cancelErr error
	forceErr  error

	fetchCount  map[string]int
	cancelCount map[string]int
	forceCount  map[string]int
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		snapshots:   make(map[string]*models.JobSnapshot),
		summaries:   make(map[models.JobType][]*models.JobSummary),
		fetchCount:  make(map[string]int),
		cancelCount: make(map[string]int),
		forceCount:  make(map[string]int),
	}
}

func (a *stubAPI) setSnapshot(jobID string, snap *models.JobSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots[jobID] = snap
}

func (a *stubAPI) fetches(jobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCount[jobID]
}

func (a *stubAPI) FetchJobStatus(ctx context.Context, jobType models.JobType, jobID string) (*models.JobSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCount[jobID]++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	snap, ok := a.snapshots[jobID]
	if !ok {
		snap = &models.JobSnapshot{Status: models.JobStatusRunning}
	}
	return snap, nil
}

func (a *stubAPI) ListJobs(ctx context.Context, jobType models.JobType, filter interfaces.ListFilter) ([]*models.JobSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaries[jobType], nil
}

func (a *stubAPI) CancelJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelCount[jobID]++
	if a.cancelErr != nil {
		return nil, a.cancelErr
	}
	return &models.ActionResult{Message: "cancel requested"}, nil
}

func (a *stubAPI) ForceTerminateJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forceCount[jobID]++
	if a.forceErr != nil {
		return nil, a.forceErr
	}
	return &models.ActionResult{Message: "terminated", UnitsReleased: 2}, nil
}

// testEngine wires a full engine against simulated time
type testEngine struct {
	registry   *Registry
	sched      *manualScheduler
	api        *stubAPI
	reconciler *Reconciler
	poller     *Poller
	dispatcher *Dispatcher
	surface    *Surface
}

func newTestEngine() *testEngine {
	logger := arbor.NewLogger()
	registry := NewRegistry(logger)
	sched := newManualScheduler()
	api := newStubAPI()

	reconciler := NewReconciler(registry, sched, nil, nil, 5*time.Second, logger)
	intervals := map[models.JobType]time.Duration{
		models.JobTypeExtraction:  2 * time.Second,
		models.JobTypeSync:        2 * time.Second,
		models.JobTypeCrawl:       3 * time.Second,
		models.JobTypeMaintenance: 3 * time.Second,
	}
	poller := NewPoller(registry, api, sched, reconciler, intervals, 30*time.Second, logger)
	detector := NewDetector()
	dispatcher := NewDispatcher(registry, api, poller, detector, nil, logger)
	surface := NewSurface(registry, poller, dispatcher, detector, logger)

	return &testEngine{
		registry:   registry,
		sched:      sched,
		api:        api,
		reconciler: reconciler,
		poller:     poller,
		dispatcher: dispatcher,
		surface:    surface,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func runningSnapshot(activity *time.Time, canCancel bool) *models.JobSnapshot {
	return &models.JobSnapshot{
		Status:         models.JobStatusRunning,
		LastActivityAt: activity,
		Capabilities:   &models.Capabilities{CanCancel: canCancel},
	}
}
