// -----------------------------------------------------------------------
// Status Reconciler - applies fetched snapshots to the registry
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

// DefaultGraceWindow is how long a terminal job stays in the registry after
// completion so subscribers see the final state before the record disappears
const DefaultGraceWindow = 5 * time.Second

// Reconciler merges fetched snapshots into the registry under sequence
// ordering, fires one-shot completion notifications on transitions into a
// terminal state, archives the final record, and schedules removal from the
// active set after a grace window.
type Reconciler struct {
	registry  *Registry
	scheduler interfaces.TickScheduler
	events    interfaces.EventService      // optional, may be nil
	history   interfaces.JobHistoryStorage // optional, may be nil
	grace     time.Duration
	logger    arbor.ILogger
}

// NewReconciler creates a reconciler. events and history may be nil.
func NewReconciler(
	registry *Registry,
	scheduler interfaces.TickScheduler,
	events interfaces.EventService,
	history interfaces.JobHistoryStorage,
	grace time.Duration,
	logger arbor.ILogger,
) *Reconciler {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Reconciler{
		registry:  registry,
		scheduler: scheduler,
		events:    events,
		history:   history,
		grace:     grace,
		logger:    logger,
	}
}

// Reconcile applies an authoritative snapshot for a job. Snapshots for jobs
// untracked since the fetch was dispatched are discarded, as are snapshots
// whose sequence is at or below the last applied one - a slow earlier
// response must not overwrite data from a faster later one.
func (r *Reconciler) Reconcile(jobID string, snap *models.JobSnapshot, seq uint64) {
	res := r.registry.applySnapshot(jobID, snap, seq)

	switch res.outcome {
	case applyUntracked:
		r.logger.Debug().
			Str("job_id", jobID).
			Msg("Discarding snapshot for untracked job")
		return
	case applyStale:
		r.logger.Debug().
			Str("job_id", jobID).
			Int64("sequence", int64(seq)).
			Msg("Discarding stale snapshot")
		return
	}

	if res.statusChanged {
		r.logger.Info().
			Str("job_id", jobID).
			Str("from", string(res.previous)).
			Str("to", string(res.record.Status)).
			Msg("Job status changed")
		r.publish(interfaces.EventJobStatusChange, map[string]interface{}{
			"job_id":   jobID,
			"job_type": string(res.record.Type),
			"status":   string(res.record.Status),
			"previous": string(res.previous),
		})
	}

	if res.completed {
		r.onCompleted(jobID, res)
	}
}

// ReconcileError handles a transient fetch failure: the record is left
// untouched and the next tick retries. A job only ever leaves tracking
// because it reached a terminal status or was explicitly untracked.
func (r *Reconciler) ReconcileError(jobID string, seq uint64, err error) {
	r.logger.Warn().
		Err(err).
		Str("job_id", jobID).
		Int64("sequence", int64(seq)).
		Msg("Status fetch failed - retrying on next tick")
}

func (r *Reconciler) onCompleted(jobID string, res applyResult) {
	r.logger.Info().
		Str("job_id", jobID).
		Str("status", string(res.record.Status)).
		Msg("Job reached terminal state")

	// one-shot completion callbacks, invoked outside the registry lock
	for _, cb := range res.callbacks {
		cb(res.record)
	}

	r.publish(interfaces.EventJobCompleted, map[string]interface{}{
		"job_id":   jobID,
		"job_type": string(res.record.Type),
		"status":   string(res.record.Status),
		"error":    res.record.ErrorMessage,
	})

	if r.history != nil {
		record := res.record
		if err := r.history.Archive(context.Background(), &record); err != nil {
			r.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Msg("Failed to archive completed job")
		}
	}

	r.registry.scheduleRemoval(jobID, r.grace, r.scheduler)
}

func (r *Reconciler) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
