// -----------------------------------------------------------------------
// Job Registry - in-memory store of currently tracked jobs
// -----------------------------------------------------------------------

package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

// CompletionFunc is invoked exactly once when a tracked job reaches a
// terminal state. It receives a copy of the final record.
type CompletionFunc func(models.JobRecord)

// ActionKind discriminates dispatcher actions for the pending-action guard
type ActionKind string

const (
	ActionCancel         ActionKind = "cancel"
	ActionForceTerminate ActionKind = "force_terminate"
)

// entry wraps a job record with engine-private bookkeeping. All access goes
// through Registry methods under the registry lock.
type entry struct {
	record models.JobRecord

	// at most one live poll handle per job
	pollHandle    interfaces.TimerHandle
	removalHandle interfaces.TimerHandle

	// exactly-once completion notification
	hasNotifiedCompletion bool
	completionCallbacks   []CompletionFunc

	// stale-response guard: sequences are issued per fetch and applied in
	// order; a lower sequence arriving later is discarded
	lastIssuedSequence  uint64
	lastAppliedSequence uint64
	inFlight            bool

	// subscription reference count
	refs int

	// optimistic action bookkeeping
	pendingActions map[ActionKind]bool
	lastKnownGood  models.JobStatus
	actionSequence uint64
}

// Query filters a registry listing
type Query struct {
	Type       models.JobType
	Resource   *models.ResourceRef
	ActiveOnly bool
}

// Registry is the process-wide in-memory store of tracked jobs, keyed by
// job id with secondary indexes by resource and by job type. It exclusively
// owns record storage: consumers receive copies, and every mutation routes
// through its operations so the sequence and notify-once invariants hold.
//
// Registries are explicitly constructed and injectable so tests can run
// isolated instances per case.
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	byType     map[models.JobType]map[string]struct{}
	byResource map[string]map[string]struct{}
	logger     arbor.ILogger
}

// NewRegistry creates an empty job registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		jobs:       make(map[string]*entry),
		byType:     make(map[models.JobType]map[string]struct{}),
		byResource: make(map[string]map[string]struct{}),
		logger:     logger,
	}
}

// Track registers a job for tracking. Re-registration of an already tracked
// job is a no-op. Returns true if the job is newly tracked, in which case
// the caller is responsible for starting its poller.
func (r *Registry) Track(jobID string, jobType models.JobType, resource *models.ResourceRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackLocked(jobID, jobType, resource)
}

func (r *Registry) trackLocked(jobID string, jobType models.JobType, resource *models.ResourceRef) bool {
	if _, exists := r.jobs[jobID]; exists {
		return false
	}

	e := &entry{
		record: models.JobRecord{
			ID:        jobID,
			Type:      jobType,
			Resource:  resource,
			Status:    models.JobStatusPending,
			CreatedAt: time.Now(),
		},
		pendingActions: make(map[ActionKind]bool),
	}
	r.jobs[jobID] = e
	r.indexLocked(jobID, jobType, resource)

	r.logger.Debug().
		Str("job_id", jobID).
		Str("job_type", string(jobType)).
		Msg("Job tracked")

	return true
}

// Untrack removes a job from the registry. Any live poll handle is cancelled
// first - a dangling timer against a removed job is the resource leak this
// registry exists to prevent. Results of fetches already in flight are
// discarded at the reconciler entry point.
func (r *Registry) Untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untrackLocked(jobID)
}

func (r *Registry) untrackLocked(jobID string) {
	e, exists := r.jobs[jobID]
	if !exists {
		return
	}

	if e.pollHandle != nil {
		e.pollHandle.Stop()
		e.pollHandle = nil
	}
	if e.removalHandle != nil {
		e.removalHandle.Stop()
		e.removalHandle = nil
	}

	r.unindexLocked(jobID, e.record.Type, e.record.Resource)
	delete(r.jobs, jobID)

	r.logger.Debug().Str("job_id", jobID).Msg("Job untracked")
}

// Update merges a partial patch into a tracked job. Unspecified fields keep
// their current values, so a partial status fetch never erases progress data
// obtained from a previous tick. Returns false if the job is not tracked.
func (r *Registry) Update(jobID string, patch models.JobPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return false
	}
	mergePatch(&e.record, patch)
	return true
}

// Get returns a copy of a tracked job record
func (r *Registry) Get(jobID string) (models.JobRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return models.JobRecord{}, false
	}
	return e.record.Clone(), true
}

// Query returns copies of tracked jobs matching the filter, newest first
func (r *Registry) Query(q Query) []models.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids map[string]struct{}
	switch {
	case q.Resource != nil:
		ids = r.byResource[q.Resource.Key()]
	case q.Type != "":
		ids = r.byType[q.Type]
	}

	var out []models.JobRecord
	if q.Resource != nil || q.Type != "" {
		for id := range ids {
			e := r.jobs[id]
			if q.Type != "" && e.record.Type != q.Type {
				continue
			}
			if q.ActiveOnly && e.record.Status.IsTerminal() {
				continue
			}
			out = append(out, e.record.Clone())
		}
	} else {
		for _, e := range r.jobs {
			if q.ActiveOnly && e.record.Status.IsTerminal() {
				continue
			}
			out = append(out, e.record.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// trackAndRetain registers a job if needed and takes a subscription
// reference in the same critical section, so a concurrent last-subscriber
// release cannot untrack the job between the two steps. Returns true if
// the job is newly tracked.
func (r *Registry) trackAndRetain(jobID string, jobType models.JobType, resource *models.ResourceRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := r.trackLocked(jobID, jobType, resource)
	r.jobs[jobID].refs++
	return created
}

// release decrements a job's subscription reference count and reports the
// remaining count. The caller untracks at zero.
func (r *Registry) release(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.jobs[jobID]
	if !exists {
		return 0
	}
	if e.refs > 0 {
		e.refs--
	}
	return e.refs
}

// beginFetch reserves the single in-flight fetch slot for a job and issues
// the next sequence number. Returns ok=false when the job is untracked,
// terminal, or a fetch is already outstanding - the caller skips the tick
// rather than queueing it.
func (r *Registry) beginFetch(jobID string) (seq uint64, jobType models.JobType, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists || e.record.Status.IsTerminal() || e.inFlight {
		return 0, "", false
	}

	e.inFlight = true
	e.lastIssuedSequence++
	return e.lastIssuedSequence, e.record.Type, true
}

// endFetch releases the in-flight fetch slot
func (r *Registry) endFetch(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.jobs[jobID]; exists {
		e.inFlight = false
	}
}

// schedulePoll installs the next poll handle for a job. Returns false, and
// schedules nothing, if the job is untracked or terminal - a terminal job
// never holds a live poll handle.
func (r *Registry) schedulePoll(jobID string, d time.Duration, sched interfaces.TickScheduler, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists || e.record.Status.IsTerminal() {
		return false
	}
	if e.pollHandle != nil {
		e.pollHandle.Stop()
	}
	e.pollHandle = sched.After(d, fn)
	return true
}

// scheduleRemoval arranges for a terminal job to leave the registry after
// the grace window, giving subscribers one final render of the record
func (r *Registry) scheduleRemoval(jobID string, d time.Duration, sched interfaces.TickScheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return
	}
	if e.removalHandle != nil {
		e.removalHandle.Stop()
	}
	e.removalHandle = sched.After(d, func() {
		r.Untrack(jobID)
	})
}

// addCompletionCallback registers a one-shot completion callback. If the
// job has already completed and notified, the current record is returned
// with fired=true and the caller invokes fn immediately.
func (r *Registry) addCompletionCallback(jobID string, fn CompletionFunc) (rec models.JobRecord, fired bool, tracked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return models.JobRecord{}, false, false
	}
	if e.hasNotifiedCompletion {
		return e.record.Clone(), true, true
	}
	e.completionCallbacks = append(e.completionCallbacks, fn)
	return models.JobRecord{}, false, true
}

type applyOutcome int

const (
	applyApplied applyOutcome = iota
	applyStale
	applyUntracked
)

// applyResult reports what a snapshot application did, captured under the
// registry lock so the reconciler can fire callbacks and events outside it
type applyResult struct {
	outcome       applyOutcome
	previous      models.JobStatus
	record        models.JobRecord
	statusChanged bool
	completed     bool
	callbacks     []CompletionFunc
}

// applySnapshot merges an authoritative snapshot under sequence ordering.
// Snapshots for untracked jobs and snapshots carrying a sequence at or below
// the last applied one are discarded. On a transition into a terminal state
// the poll handle is cancelled and the notify-once flag is claimed, with the
// registered callbacks handed back for invocation outside the lock.
func (r *Registry) applySnapshot(jobID string, snap *models.JobSnapshot, seq uint64) applyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return applyResult{outcome: applyUntracked}
	}
	if seq <= e.lastAppliedSequence {
		return applyResult{outcome: applyStale, record: e.record.Clone()}
	}

	prev := e.record.Status
	mergePatch(&e.record, snap.Patch())
	e.lastAppliedSequence = seq

	res := applyResult{
		outcome:       applyApplied,
		previous:      prev,
		statusChanged: e.record.Status != prev,
	}

	if e.record.Status.IsTerminal() {
		// authoritative terminal state supersedes any optimistic transition
		for kind := range e.pendingActions {
			delete(e.pendingActions, kind)
		}
		if e.pollHandle != nil {
			e.pollHandle.Stop()
			e.pollHandle = nil
		}
		if !e.hasNotifiedCompletion {
			e.hasNotifiedCompletion = true
			res.completed = true
			res.callbacks = e.completionCallbacks
			e.completionCallbacks = nil
		}
	}

	res.record = e.record.Clone()
	return res
}

// beginAction applies an optimistic status transition for a dispatcher
// action. The gate runs under the lock against the current record; the
// pre-action status is preserved for rollback. A second action of the same
// kind while one is pending returns ErrActionPending.
func (r *Registry) beginAction(jobID string, kind ActionKind, optimistic models.JobStatus, gate func(models.JobRecord) error) (models.JobType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return "", ErrNotTracked
	}
	if e.pendingActions[kind] {
		return "", ErrActionPending
	}
	if gate != nil {
		if err := gate(e.record.Clone()); err != nil {
			return "", err
		}
	}

	// remember the last authoritative status, not a display state left by
	// an overlapping action of the other kind
	if !isDisplayStatus(e.record.Status) {
		e.lastKnownGood = e.record.Status
	}
	e.actionSequence = e.lastAppliedSequence
	e.pendingActions[kind] = true
	e.record.Status = optimistic

	return e.record.Type, nil
}

// finishAction clears the pending-action guard after a successful request.
// The optimistic status stands until reconciliation confirms it.
func (r *Registry) finishAction(jobID string, kind ActionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.jobs[jobID]; exists {
		delete(e.pendingActions, kind)
	}
}

// rollbackAction restores the pre-action status after a failed request,
// unless a newer authoritative snapshot has landed in the meantime
func (r *Registry) rollbackAction(jobID string, kind ActionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return
	}
	delete(e.pendingActions, kind)
	if e.lastAppliedSequence == e.actionSequence && isDisplayStatus(e.record.Status) {
		e.record.Status = e.lastKnownGood
	}
}

func isDisplayStatus(s models.JobStatus) bool {
	return s == models.JobStatusCancelling || s == models.JobStatusTerminating
}

func (r *Registry) indexLocked(jobID string, jobType models.JobType, resource *models.ResourceRef) {
	if r.byType[jobType] == nil {
		r.byType[jobType] = make(map[string]struct{})
	}
	r.byType[jobType][jobID] = struct{}{}

	if resource != nil {
		key := resource.Key()
		if r.byResource[key] == nil {
			r.byResource[key] = make(map[string]struct{})
		}
		r.byResource[key][jobID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(jobID string, jobType models.JobType, resource *models.ResourceRef) {
	if ids := r.byType[jobType]; ids != nil {
		delete(ids, jobID)
		if len(ids) == 0 {
			delete(r.byType, jobType)
		}
	}
	if resource != nil {
		key := resource.Key()
		if ids := r.byResource[key]; ids != nil {
			delete(ids, jobID)
			if len(ids) == 0 {
				delete(r.byResource, key)
			}
		}
	}
}

// mergePatch applies non-nil patch fields to a record in place
func mergePatch(rec *models.JobRecord, patch models.JobPatch) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Progress != nil {
		rec.Progress = patch.Progress.Clone()
	}
	if patch.StartedAt != nil {
		rec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.LastActivityAt != nil {
		rec.LastActivityAt = patch.LastActivityAt
	}
	if patch.Capabilities != nil {
		rec.Capabilities = *patch.Capabilities
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
}
