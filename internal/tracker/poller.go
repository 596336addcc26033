// -----------------------------------------------------------------------
// Poller - per-job status fetch scheduling
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

// DefaultPollInterval applies to job types without a configured interval
const DefaultPollInterval = 2 * time.Second

// Poller schedules a recurring status fetch per tracked active job. Ticks
// run at a fixed per-type cadence; a tick that elapses while a previous
// fetch for the same job is still outstanding is skipped, never queued, so
// a slow backend cannot cause request pileup. The poller does not interpret
// status - every snapshot goes to the reconciler tagged with its sequence.
type Poller struct {
	registry   *Registry
	api        interfaces.JobsAPI
	scheduler  interfaces.TickScheduler
	reconciler *Reconciler
	intervals  map[models.JobType]time.Duration
	timeout    time.Duration
	logger     arbor.ILogger
}

// NewPoller creates a poller. intervals may be nil to poll every job type
// at DefaultPollInterval; timeout bounds each individual fetch.
func NewPoller(
	registry *Registry,
	api interfaces.JobsAPI,
	scheduler interfaces.TickScheduler,
	reconciler *Reconciler,
	intervals map[models.JobType]time.Duration,
	timeout time.Duration,
	logger arbor.ILogger,
) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		registry:   registry,
		api:        api,
		scheduler:  scheduler,
		reconciler: reconciler,
		intervals:  intervals,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start begins ticking for a newly tracked job. The first tick fires
// immediately so subscribers are not left staring at a placeholder for a
// full interval.
func (p *Poller) Start(jobID string) {
	p.scheduleNext(jobID, 0)
}

// Poke runs one out-of-cycle fetch immediately, without disturbing the
// scheduled cadence. Used after dispatcher actions to confirm or roll back
// the optimistic transition without waiting for the next tick.
func (p *Poller) Poke(jobID string) {
	p.fetch(jobID)
}

// Interval returns the poll interval for a job type
func (p *Poller) Interval(jobType models.JobType) time.Duration {
	if d, ok := p.intervals[jobType]; ok && d > 0 {
		return d
	}
	return DefaultPollInterval
}

func (p *Poller) scheduleNext(jobID string, d time.Duration) {
	p.registry.schedulePoll(jobID, d, p.scheduler, func() {
		p.tick(jobID)
	})
}

// tick reschedules the next tick first to keep the cadence fixed, then
// attempts a fetch. Untracked and terminal jobs fall out of the chain here.
func (p *Poller) tick(jobID string) {
	rec, ok := p.registry.Get(jobID)
	if !ok || rec.Status.IsTerminal() {
		return
	}

	p.scheduleNext(jobID, p.Interval(rec.Type))
	p.fetch(jobID)
}

func (p *Poller) fetch(jobID string) {
	seq, jobType, ok := p.registry.beginFetch(jobID)
	if !ok {
		p.logger.Debug().
			Str("job_id", jobID).
			Msg("Poll tick skipped - fetch outstanding or job no longer active")
		return
	}
	defer p.registry.endFetch(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	snap, err := p.api.FetchJobStatus(ctx, jobType, jobID)
	if err != nil {
		p.reconciler.ReconcileError(jobID, seq, err)
		return
	}
	p.reconciler.Reconcile(jobID, snap, seq)
}
