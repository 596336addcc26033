// -----------------------------------------------------------------------
// Subscription Surface - lifecycle-bound read API for UI consumers
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/models"
)

// Surface is the read API exposed to UI consumers. It is the only component
// aware of consumer lifecycles: each job-scoped subscription reference-counts
// its job so multiple panels can watch the same job over a single underlying
// poll, and the job is untracked only when the last subscription closes.
type Surface struct {
	registry   *Registry
	poller     *Poller
	dispatcher *Dispatcher
	detector   Detector
	logger     arbor.ILogger
	now        func() time.Time
}

// NewSurface creates the subscription surface over an assembled engine
func NewSurface(registry *Registry, poller *Poller, dispatcher *Dispatcher, detector Detector, logger arbor.ILogger) *Surface {
	return &Surface{
		registry:   registry,
		poller:     poller,
		dispatcher: dispatcher,
		detector:   detector,
		logger:     logger,
		now:        time.Now,
	}
}

// Subscription is a closable observation handle. Job-scoped subscriptions
// hold a registry reference; type- and resource-scoped ones are pure views.
type Subscription struct {
	id       string
	jobID    string
	jobType  models.JobType
	resource *models.ResourceRef
	surface  *Surface

	mu     sync.Mutex
	closed bool
}

// ObserveJob tracks a job (idempotent) and returns a handle observing it.
// The first observer starts the poller; later observers share it.
func (s *Surface) ObserveJob(jobID string, jobType models.JobType, resource *models.ResourceRef) *Subscription {
	if s.registry.trackAndRetain(jobID, jobType, resource) {
		s.poller.Start(jobID)
	}

	return &Subscription{
		id:      uuid.New().String(),
		jobID:   jobID,
		surface: s,
	}
}

// ObserveType returns a view over all tracked jobs of a type, used by
// dashboard-style aggregate panels. It tracks nothing itself; jobs enter
// the registry via ObserveJob or the discovery sweep.
func (s *Surface) ObserveType(jobType models.JobType) *Subscription {
	return &Subscription{
		id:      uuid.New().String(),
		jobType: jobType,
		surface: s,
	}
}

// ObserveResource returns a view over the job, if any, for a domain resource
func (s *Surface) ObserveResource(resource models.ResourceRef) *Subscription {
	ref := resource
	return &Subscription{
		id:       uuid.New().String(),
		resource: &ref,
		surface:  s,
	}
}

// Adopt tracks a job discovered server-side (bulk sweep) without binding it
// to a consumer lifecycle. Adopted jobs leave the registry when they reach
// a terminal state.
func (s *Surface) Adopt(jobID string, jobType models.JobType, resource *models.ResourceRef) {
	if s.registry.Track(jobID, jobType, resource) {
		s.poller.Start(jobID)
	}
}

// Job returns the observed job for a job- or resource-scoped subscription
func (sub *Subscription) Job() (models.JobRecord, bool) {
	if sub.jobID != "" {
		return sub.surface.registry.Get(sub.jobID)
	}
	if sub.resource != nil {
		jobs := sub.surface.registry.Query(Query{Resource: sub.resource})
		if len(jobs) == 0 {
			return models.JobRecord{}, false
		}
		return jobs[0], true
	}
	return models.JobRecord{}, false
}

// Jobs returns all jobs visible to this subscription
func (sub *Subscription) Jobs() []models.JobRecord {
	switch {
	case sub.jobID != "":
		if rec, ok := sub.surface.registry.Get(sub.jobID); ok {
			return []models.JobRecord{rec}
		}
		return nil
	case sub.resource != nil:
		return sub.surface.registry.Query(Query{Resource: sub.resource})
	case sub.jobType != "":
		return sub.surface.registry.Query(Query{Type: sub.jobType})
	}
	return sub.surface.registry.Query(Query{})
}

// Close tears down the subscription. For job-scoped subscriptions the job
// is untracked, and its poll handle cancelled, only when no other live
// subscription still references it.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	if sub.jobID == "" {
		return
	}
	if remaining := sub.surface.registry.release(sub.jobID); remaining == 0 {
		sub.surface.registry.Untrack(sub.jobID)
	}
}

// OnComplete registers fn to run exactly once when the job reaches a
// terminal state. If the job has already completed, fn runs immediately
// with the final record. Returns false if the job is not tracked.
func (s *Surface) OnComplete(jobID string, fn CompletionFunc) bool {
	rec, fired, tracked := s.registry.addCompletionCallback(jobID, fn)
	if !tracked {
		return false
	}
	if fired {
		fn(rec)
	}
	return true
}

// Cancel dispatches a graceful cancel for a tracked job
func (s *Surface) Cancel(ctx context.Context, jobID string) error {
	return s.dispatcher.Cancel(ctx, jobID)
}

// ForceTerminate dispatches a destructive stop for a stuck job
func (s *Surface) ForceTerminate(ctx context.Context, jobID string) error {
	return s.dispatcher.ForceTerminate(ctx, jobID)
}

// Classify evaluates a tracked job for stalled activity
func (s *Surface) Classify(jobID string) (Classification, error) {
	rec, ok := s.registry.Get(jobID)
	if !ok {
		return Classification{}, ErrNotTracked
	}
	return s.detector.Classify(rec, s.now()), nil
}

// Job returns a copy of a tracked job record
func (s *Surface) Job(jobID string) (models.JobRecord, bool) {
	return s.registry.Get(jobID)
}

// Jobs returns tracked jobs matching the query, newest first
func (s *Surface) Jobs(q Query) []models.JobRecord {
	return s.registry.Query(q)
}

// MergeViews deduplicates several independently produced job views into one
// listing keyed by job id, newest first. The first occurrence of an id wins,
// so callers list their authoritative view first.
func MergeViews(views ...[]models.JobRecord) []models.JobRecord {
	seen := make(map[string]struct{})
	var out []models.JobRecord
	for _, view := range views {
		for _, rec := range view {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
