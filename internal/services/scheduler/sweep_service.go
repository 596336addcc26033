// -----------------------------------------------------------------------
// Sweep Service - cron-driven discovery, stuck-scan and history pruning
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/common"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
	"github.com/ternarybob/custos/internal/tracker"
)

const sweepTimeout = 30 * time.Second

// Status reports the sweep service state for the status endpoint
type Status struct {
	Running       bool       `json:"running"`
	LastDiscovery *time.Time `json:"last_discovery,omitempty"`
	LastPrune     *time.Time `json:"last_prune,omitempty"`
	LastStuckScan *time.Time `json:"last_stuck_scan,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Service runs the periodic background sweeps: discovering active backend
// jobs nobody subscribed to yet, flagging stalled jobs, and pruning the
// terminal-job history archive.
type Service struct {
	surface *tracker.Surface
	api     interfaces.JobsAPI
	history interfaces.JobHistoryStorage
	events  interfaces.EventService
	config  *common.SweepConfig
	cron    *cron.Cron
	logger  arbor.ILogger

	mu       sync.Mutex
	running  bool
	sweeping bool
	flagged  map[string]bool
	status   Status
}

// NewService creates the sweep service. History and events may be nil when
// those subsystems are disabled.
func NewService(surface *tracker.Surface, api interfaces.JobsAPI, history interfaces.JobHistoryStorage, events interfaces.EventService, config *common.SweepConfig, logger arbor.ILogger) *Service {
	return &Service{
		surface: surface,
		api:     api,
		history: history,
		events:  events,
		config:  config,
		cron:    cron.New(),
		logger:  logger,
		flagged: make(map[string]bool),
	}
}

// Start registers the cron entries and begins sweeping. The discovery sweep
// also runs once immediately so restarts pick up in-flight jobs.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweep service already running")
	}

	discovery := s.config.DiscoverySchedule
	if discovery == "" {
		discovery = "*/1 * * * *"
	}
	if _, err := s.cron.AddFunc(discovery, s.wrap("discovery", s.RunDiscoverySweep)); err != nil {
		return fmt.Errorf("failed to add discovery sweep: %w", err)
	}

	stuckScan := s.config.StuckScanSchedule
	if stuckScan == "" {
		stuckScan = "*/1 * * * *"
	}
	if _, err := s.cron.AddFunc(stuckScan, s.wrap("stuck_scan", s.RunStuckScan)); err != nil {
		return fmt.Errorf("failed to add stuck scan: %w", err)
	}

	if s.history != nil {
		prune := s.config.PruneSchedule
		if prune == "" {
			prune = "0 * * * *"
		}
		if _, err := s.cron.AddFunc(prune, s.wrap("prune", s.RunHistoryPrune)); err != nil {
			return fmt.Errorf("failed to add history prune: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	s.status.Running = true

	go s.wrap("discovery", s.RunDiscoverySweep)()

	s.logger.Info().
		Str("discovery_schedule", discovery).
		Str("stuck_scan_schedule", stuckScan).
		Msg("Sweep service started")
	return nil
}

// Stop halts the cron scheduler. In-flight sweeps finish on their own.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cron.Stop()
	s.running = false
	s.status.Running = false

	s.logger.Info().Msg("Sweep service stopped")
	return nil
}

// GetStatus returns a snapshot of the sweep service state
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// wrap adds panic recovery and status bookkeeping around a sweep
func (s *Service) wrap(name string, fn func() error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("sweep", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Msg("PANIC RECOVERED in sweep")
			}
		}()

		start := time.Now()
		err := fn()

		s.mu.Lock()
		now := time.Now()
		switch name {
		case "discovery":
			s.status.LastDiscovery = &now
		case "prune":
			s.status.LastPrune = &now
		case "stuck_scan":
			s.status.LastStuckScan = &now
		}
		if err != nil {
			s.status.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error().
				Str("sweep", name).
				Err(err).
				Dur("duration", time.Since(start)).
				Msg("Sweep failed")
		}
	}
}

// RunDiscoverySweep lists active jobs of every type from the backend and
// adopts any the registry does not know yet. Overlapping runs are skipped.
func (s *Service) RunDiscoverySweep() error {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Debug().Msg("Discovery sweep already in progress, skipping cycle")
		return nil
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	adopted := 0
	var firstErr error
	for _, jobType := range models.AllJobTypes() {
		summaries, err := s.api.ListJobs(ctx, jobType, interfaces.ListFilter{})
		if err != nil {
			s.logger.Warn().
				Str("job_type", string(jobType)).
				Err(err).
				Msg("Discovery listing failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, summary := range summaries {
			if !summary.Status.IsActive() {
				continue
			}
			if _, tracked := s.surface.Job(summary.ID); tracked {
				continue
			}

			var resource *models.ResourceRef
			if summary.Resource != nil && summary.Resource.ID != "" {
				ref := *summary.Resource
				resource = &ref
			}
			s.surface.Adopt(summary.ID, jobType, resource)
			adopted++
		}
	}

	if adopted > 0 {
		s.logger.Info().
			Int("adopted", adopted).
			Msg("Discovery sweep adopted untracked jobs")
	}
	return firstErr
}

// RunStuckScan classifies every active tracked job and publishes a stuck
// event the first time a job crosses the threshold. The flag clears when the
// job shows activity again or leaves tracking.
func (s *Service) RunStuckScan() error {
	jobs := s.surface.Jobs(tracker.Query{ActiveOnly: true})

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
	}
	s.mu.Lock()
	for id := range s.flagged {
		if !seen[id] {
			delete(s.flagged, id)
		}
	}
	s.mu.Unlock()

	for _, job := range jobs {
		classification, err := s.surface.Classify(job.ID)
		if err != nil {
			continue
		}

		s.mu.Lock()
		alreadyFlagged := s.flagged[job.ID]
		if classification.Stuck {
			s.flagged[job.ID] = true
		} else {
			delete(s.flagged, job.ID)
		}
		s.mu.Unlock()

		if !classification.Stuck || alreadyFlagged {
			continue
		}

		s.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Str("status", string(job.Status)).
			Msg("Job flagged as stuck")

		if s.events != nil {
			event := interfaces.Event{
				Type: interfaces.EventJobStuck,
				Payload: map[string]interface{}{
					"job_id":   job.ID,
					"job_type": string(job.Type),
					"status":   string(job.Status),
					"warn":     classification.Warn,
				},
			}
			if err := s.events.Publish(context.Background(), event); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish stuck event")
			}
		}
	}
	return nil
}

// RunHistoryPrune removes archived jobs older than the retention window
func (s *Service) RunHistoryPrune() error {
	if s.history == nil {
		return nil
	}

	retention := s.config.GetRetention()
	cutoff := time.Now().Add(-retention)

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	pruned, err := s.history.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("history prune failed: %w", err)
	}

	if pruned > 0 {
		s.logger.Info().
			Int("pruned", pruned).
			Msg("History prune completed")
	}
	return nil
}
