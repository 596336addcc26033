package tracker

import (
	"time"

	"github.com/ternarybob/custos/internal/models"
)

// Default thresholds for stuck classification. These are display-side
// defaults, not protocol guarantees - the backend applies its own timeout
// logic independently.
const (
	DefaultStuckThreshold = 2 * time.Minute
	DefaultWarnThreshold  = 5 * time.Minute
)

// Classification is the result of evaluating a job for stalled activity.
// Stuck marks the job actionable (force-terminate becomes available);
// Warn is a stricter display-only flag. Warn implies Stuck.
type Classification struct {
	Stuck bool `json:"stuck"`
	Warn  bool `json:"warn"`
}

// Detector classifies running jobs by the age of their last recorded
// activity. The zero value is unusable; use NewDetector or set both
// thresholds explicitly.
type Detector struct {
	StuckAfter time.Duration
	WarnAfter  time.Duration
}

// NewDetector returns a detector with the default thresholds
func NewDetector() Detector {
	return Detector{
		StuckAfter: DefaultStuckThreshold,
		WarnAfter:  DefaultWarnThreshold,
	}
}

// Classify evaluates a job's activity at the given instant. Only submitted
// and running jobs are eligible; everything else is never stuck. A job with
// no activity ever recorded is stuck immediately.
func (d Detector) Classify(job models.JobRecord, now time.Time) Classification {
	if job.Status != models.JobStatusRunning && job.Status != models.JobStatusSubmitted {
		return Classification{}
	}

	if job.LastActivityAt == nil {
		return Classification{Stuck: true}
	}

	idle := now.Sub(*job.LastActivityAt)
	c := Classification{
		Stuck: idle >= d.StuckAfter,
		Warn:  idle >= d.WarnAfter,
	}
	if c.Warn {
		c.Stuck = true
	}
	return c
}

// Classify evaluates a job with the default thresholds
func Classify(job models.JobRecord, now time.Time) Classification {
	return NewDetector().Classify(job, now)
}
