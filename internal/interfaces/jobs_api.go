package interfaces

import (
	"context"

	"github.com/ternarybob/custos/internal/models"
)

// ListFilter narrows a bulk job listing
type ListFilter struct {
	Status     models.JobStatus
	ResourceID string
	Limit      int
}

// JobsAPI is the service boundary to the backend job system. Implementations
// must be safe for concurrent use; status fetches are idempotent reads.
type JobsAPI interface {
	// FetchJobStatus returns the current status snapshot for a single job
	FetchJobStatus(ctx context.Context, jobType models.JobType, jobID string) (*models.JobSnapshot, error)

	// ListJobs returns summaries for jobs of a type, used by dashboard
	// aggregation and discovery sweeps
	ListJobs(ctx context.Context, jobType models.JobType, filter ListFilter) ([]*models.JobSummary, error)

	// CancelJob requests a graceful stop. Fails if the job is already terminal.
	CancelJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error)

	// ForceTerminateJob destructively stops a job, revoking its underlying
	// execution and severing held resources. Attempted even for jobs the
	// graceful path cannot reach.
	ForceTerminateJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error)
}
