// -----------------------------------------------------------------------
// Job Snapshot - status payload fetched from the backend job API
// -----------------------------------------------------------------------

package models

import "time"

// JobSnapshot is the authoritative status payload returned by a single
// status fetch. Nil fields were not reported and must not erase values
// obtained from a previous fetch when merged into the registry.
type JobSnapshot struct {
	Status         JobStatus     `json:"status"`
	Progress       *JobProgress  `json:"progress,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	LastActivityAt *time.Time    `json:"last_activity_at,omitempty"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Patch converts the snapshot into a registry field-merge patch
func (s *JobSnapshot) Patch() JobPatch {
	p := JobPatch{
		Progress:       s.Progress,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		LastActivityAt: s.LastActivityAt,
		Capabilities:   s.Capabilities,
	}
	if s.Status != "" {
		status := s.Status
		p.Status = &status
	}
	if s.ErrorMessage != "" {
		msg := s.ErrorMessage
		p.ErrorMessage = &msg
	}
	return p
}

// JobPatch is a partial update applied to a tracked job record. Nil fields
// are left untouched by the merge.
type JobPatch struct {
	Status         *JobStatus
	Progress       *JobProgress
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastActivityAt *time.Time
	Capabilities   *Capabilities
	ErrorMessage   *string
}

// JobSummary is one element of a bulk job listing: a snapshot plus the
// identity fields needed to start tracking the job.
type JobSummary struct {
	ID        string       `json:"id"`
	Type      JobType      `json:"job_type"`
	Resource  *ResourceRef `json:"resource,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	JobSnapshot
}

// ActionResult is the backend response to a cancel or force-terminate request
type ActionResult struct {
	Message string `json:"message"`
	// UnitsReleased reports execution units freed by a force-terminate
	UnitsReleased int `json:"units_released,omitempty"`
}
