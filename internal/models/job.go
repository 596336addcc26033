// -----------------------------------------------------------------------
// Job Record - canonical shape of a tracked backend job
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus represents the state of a tracked backend job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"

	// Local-only display states applied optimistically while a cancel or
	// force-terminate request is in flight. Never returned by the backend;
	// the next authoritative snapshot replaces them.
	JobStatusCancelling  JobStatus = "cancelling"
	JobStatusTerminating JobStatus = "terminating"
)

// IsActive returns true for jobs the backend is still working on
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPending, JobStatusSubmitted, JobStatusRunning:
		return true
	}
	return false
}

// IsTerminal returns true for jobs that will not transition again
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// JobType discriminates which backend endpoint shape a job is fetched and
// acted on through.
type JobType string

const (
	JobTypeExtraction  JobType = "extraction"
	JobTypeCrawl       JobType = "crawl"
	JobTypeSync        JobType = "sync"
	JobTypeMaintenance JobType = "maintenance"
)

// AllJobTypes lists every known job type, used by bulk discovery sweeps
func AllJobTypes() []JobType {
	return []JobType{JobTypeExtraction, JobTypeCrawl, JobTypeSync, JobTypeMaintenance}
}

// IsValid returns true if the job type is one of the known types
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeExtraction, JobTypeCrawl, JobTypeSync, JobTypeMaintenance:
		return true
	}
	return false
}

// ResourceRef identifies the domain object a job operates on, used for
// resource-scoped lookups (e.g. "the crawl job for collection X")
type ResourceRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Key returns the registry index key for this reference
func (r ResourceRef) Key() string {
	return r.Kind + ":" + r.ID
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// JobProgress tracks job execution progress. The engine treats it as opaque
// beyond emptiness checks; counters carry per-type detail (pages crawled,
// records synced, documents extracted).
type JobProgress struct {
	Current  int            `json:"current"`
	Total    int            `json:"total"`
	Percent  float64        `json:"percent"`
	Phase    string         `json:"phase,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
}

// IsZero returns true when no progress data has been recorded
func (p JobProgress) IsZero() bool {
	return p.Current == 0 && p.Total == 0 && p.Percent == 0 && p.Phase == "" && len(p.Counters) == 0
}

// Clone returns a deep copy of the progress payload
func (p JobProgress) Clone() JobProgress {
	out := p
	if p.Counters != nil {
		out.Counters = make(map[string]int, len(p.Counters))
		for k, v := range p.Counters {
			out.Counters[k] = v
		}
	}
	return out
}

// Capabilities flags describe which actions are legal for a job.
// Force-terminate eligibility is derived from stuck classification, not stored.
type Capabilities struct {
	CanCancel bool `json:"can_cancel"`
}

// JobRecord is the canonical tracked-job shape held by the registry
type JobRecord struct {
	ID             string       `json:"id" badgerhold:"key"`
	Type           JobType      `json:"job_type"`
	Resource       *ResourceRef `json:"resource,omitempty"`
	Status         JobStatus    `json:"status"`
	Progress       JobProgress  `json:"progress"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	LastActivityAt *time.Time   `json:"last_activity_at,omitempty"`
	Capabilities   Capabilities `json:"capabilities"`
	ErrorMessage   string       `json:"error_message,omitempty"`
}

// Clone returns a deep copy so consumers never share registry-owned storage
func (j *JobRecord) Clone() JobRecord {
	out := *j
	out.Progress = j.Progress.Clone()
	if j.Resource != nil {
		ref := *j.Resource
		out.Resource = &ref
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.LastActivityAt = cloneTime(j.LastActivityAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
