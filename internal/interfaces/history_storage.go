package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/custos/internal/models"
)

// HistoryListOptions filters a history listing
type HistoryListOptions struct {
	Status  models.JobStatus
	JobType models.JobType
	Limit   int
	Offset  int
}

// JobHistoryStorage archives jobs that reached a terminal state so the
// dashboard can show recent history across restarts. Active-job tracking
// state is never persisted.
type JobHistoryStorage interface {
	// Archive stores a terminal job record, overwriting any previous copy
	Archive(ctx context.Context, record *models.JobRecord) error

	// List returns archived records, newest completion first
	List(ctx context.Context, opts *HistoryListOptions) ([]*models.JobRecord, error)

	// Count returns the number of archived records
	Count(ctx context.Context) (int, error)

	// Prune removes records completed before the cutoff, returning how many
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
