// -----------------------------------------------------------------------
// Action Dispatcher - cancel and force-terminate with optimistic state
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

var (
	// ErrNotTracked is returned for actions against jobs not in the registry
	ErrNotTracked = errors.New("job is not tracked")
	// ErrActionPending guards against duplicate submissions of the same action
	ErrActionPending = errors.New("action already pending for job")
	// ErrNotCancellable is returned when a job's capabilities forbid cancel
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrNotActive is returned when cancelling a job that is no longer active
	ErrNotActive = errors.New("job is not active")
	// ErrNotStuck is returned when force-terminating a job that is not stuck
	ErrNotStuck = errors.New("job is not stuck")
)

// Dispatcher issues cancel and force-terminate requests against the job
// API. Each action applies an optimistic local transition immediately, then
// triggers an out-of-cycle reconciliation fetch on success or rolls back to
// the last known-good status on failure. Invoking an action while the same
// kind is already pending for that job is a no-op.
type Dispatcher struct {
	registry *Registry
	api      interfaces.JobsAPI
	poller   *Poller
	detector Detector
	events   interfaces.EventService // optional, may be nil
	logger   arbor.ILogger

	// now is swappable for tests
	now func() time.Time
}

// NewDispatcher creates an action dispatcher. events may be nil.
func NewDispatcher(
	registry *Registry,
	api interfaces.JobsAPI,
	poller *Poller,
	detector Detector,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		api:      api,
		poller:   poller,
		detector: detector,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Cancel requests a graceful stop. Legal only while the job is active and
// its capabilities mark it cancellable.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	jobType, err := d.registry.beginAction(jobID, ActionCancel, models.JobStatusCancelling, func(rec models.JobRecord) error {
		if !rec.Status.IsActive() {
			return ErrNotActive
		}
		if !rec.Capabilities.CanCancel {
			return ErrNotCancellable
		}
		return nil
	})
	if errors.Is(err, ErrActionPending) {
		d.logger.Debug().Str("job_id", jobID).Msg("Cancel already pending - ignoring duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	result, err := d.api.CancelJob(ctx, jobType, jobID)
	if err != nil {
		d.registry.rollbackAction(jobID, ActionCancel)
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel request failed - rolled back")
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	d.registry.finishAction(jobID, ActionCancel)
	d.logger.Info().
		Str("job_id", jobID).
		Str("message", result.Message).
		Msg("Cancel accepted")
	d.publishAction(jobID, jobType, ActionCancel, result)

	d.poller.Poke(jobID)
	return nil
}

// ForceTerminate destructively stops a stuck job, revoking its underlying
// execution and severing held resources. Available whenever the job
// classifies as stuck, regardless of its cancel capability - this is the
// escape hatch for jobs the graceful path cannot reach.
func (d *Dispatcher) ForceTerminate(ctx context.Context, jobID string) error {
	now := d.now()
	jobType, err := d.registry.beginAction(jobID, ActionForceTerminate, models.JobStatusTerminating, func(rec models.JobRecord) error {
		if rec.Status.IsTerminal() {
			return ErrNotActive
		}
		if !d.detector.Classify(rec, now).Stuck {
			return ErrNotStuck
		}
		return nil
	})
	if errors.Is(err, ErrActionPending) {
		d.logger.Debug().Str("job_id", jobID).Msg("Force-terminate already pending - ignoring duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("force-terminate job %s: %w", jobID, err)
	}

	result, err := d.api.ForceTerminateJob(ctx, jobType, jobID)
	if err != nil {
		d.registry.rollbackAction(jobID, ActionForceTerminate)
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Force-terminate request failed - rolled back")
		return fmt.Errorf("force-terminate job %s: %w", jobID, err)
	}

	d.registry.finishAction(jobID, ActionForceTerminate)
	d.logger.Info().
		Str("job_id", jobID).
		Str("message", result.Message).
		Int("units_released", result.UnitsReleased).
		Msg("Force-terminate accepted")
	d.publishAction(jobID, jobType, ActionForceTerminate, result)

	d.poller.Poke(jobID)
	return nil
}

func (d *Dispatcher) publishAction(jobID string, jobType models.JobType, kind ActionKind, result *models.ActionResult) {
	if d.events == nil {
		return
	}
	payload := map[string]interface{}{
		"job_id":   jobID,
		"job_type": string(jobType),
		"action":   string(kind),
		"message":  result.Message,
	}
	if kind == ActionForceTerminate {
		payload["units_released"] = result.UnitsReleased
	}
	if err := d.events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobAction,
		Payload: payload,
	}); err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish action event")
	}
}
