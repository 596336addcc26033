package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// historyEntry wraps an archived record with top-level fields badgerhold can
// filter and sort on. ArchivedAt falls back to archive time when the backend
// never reported a completion timestamp.
type historyEntry struct {
	ID         string `badgerhold:"key"`
	Status     models.JobStatus
	JobType    models.JobType
	ArchivedAt time.Time
	Record     models.JobRecord
}

// HistoryStorage implements JobHistoryStorage over Badger
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new history storage instance
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobHistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

// Archive stores a terminal job record, overwriting any previous copy
func (s *HistoryStorage) Archive(ctx context.Context, record *models.JobRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if !record.Status.IsTerminal() {
		return fmt.Errorf("refusing to archive non-terminal job %s (status %s)", record.ID, record.Status)
	}

	archivedAt := time.Now()
	if record.CompletedAt != nil {
		archivedAt = *record.CompletedAt
	}

	entry := historyEntry{
		ID:         record.ID,
		Status:     record.Status,
		JobType:    record.Type,
		ArchivedAt: archivedAt,
		Record:     record.Clone(),
	}

	if err := s.db.Store().Upsert(entry.ID, &entry); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", record.ID).
		Str("status", string(record.Status)).
		Msg("Job archived to history")
	return nil
}

// List returns archived records, newest completion first
func (s *HistoryStorage) List(ctx context.Context, opts *interfaces.HistoryListOptions) ([]*models.JobRecord, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.JobType != "" {
			query = query.And("JobType").Eq(opts.JobType)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("ArchivedAt").Reverse()

	var entries []historyEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	result := make([]*models.JobRecord, len(entries))
	for i := range entries {
		record := entries[i].Record.Clone()
		result[i] = &record
	}
	return result, nil
}

// Count returns the number of archived records
func (s *HistoryStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&historyEntry{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return int(count), nil
}

// Prune removes records completed before the cutoff, returning how many
func (s *HistoryStorage) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	query := badgerhold.Where("ArchivedAt").Lt(cutoff)

	var stale []historyEntry
	if err := s.db.Store().Find(&stale, query); err != nil {
		return 0, fmt.Errorf("failed to find stale history: %w", err)
	}

	if err := s.db.Store().DeleteMatching(&historyEntry{}, query); err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	if len(stale) > 0 {
		s.logger.Info().
			Int("pruned", len(stale)).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Pruned job history")
	}
	return len(stale), nil
}
