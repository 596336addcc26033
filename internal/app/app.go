package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/client"
	"github.com/ternarybob/custos/internal/common"
	"github.com/ternarybob/custos/internal/handlers"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
	"github.com/ternarybob/custos/internal/services/events"
	"github.com/ternarybob/custos/internal/services/scheduler"
	"github.com/ternarybob/custos/internal/storage/badger"
	"github.com/ternarybob/custos/internal/tracker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage (nil when history is disabled)
	DB             *badger.BadgerDB
	HistoryStorage interfaces.JobHistoryStorage

	// Core services
	EventService interfaces.EventService
	JobsClient   *client.Client
	Surface      *tracker.Surface
	SweepService *scheduler.Service

	// HTTP handlers
	JobHandler     *handlers.JobHandler
	HistoryHandler *handlers.HistoryHandler
	StatusHandler  *handlers.StatusHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Background sweeps run only when enabled; the tracker works without
	// them but untracked backend jobs then stay invisible until observed
	if cfg.Sweep.Enabled {
		app.SweepService = scheduler.NewService(
			app.Surface,
			app.JobsClient,
			app.HistoryStorage,
			app.EventService,
			&cfg.Sweep,
			logger,
		)
		if err := app.SweepService.Start(); err != nil {
			return nil, fmt.Errorf("failed to start sweep service: %w", err)
		}
		logger.Debug().Msg("Sweep service started")
	}

	app.initHandlers()

	app.WSHandler.StartStatusBroadcaster(10 * time.Second)

	logger.Info().
		Bool("history_enabled", cfg.History.Enabled).
		Bool("sweep_enabled", cfg.Sweep.Enabled).
		Str("jobs_api", cfg.JobsAPI.BaseURL).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the Badger history store when enabled. Active-job
// tracking state is never persisted, so the process runs fine without it.
func (a *App) initStorage() error {
	if !a.Config.History.Enabled {
		a.Logger.Debug().Msg("Job history disabled - skipping storage initialization")
		return nil
	}

	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger database: %w", err)
	}
	a.DB = db
	a.HistoryStorage = badger.NewHistoryStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices wires the event service, the backend client, and the
// tracking engine in dependency order.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	jobsClient, err := client.NewClient(client.Config{
		BaseURL:           a.Config.JobsAPI.BaseURL,
		Timeout:           a.Config.JobsAPI.GetTimeout(),
		RequestsPerSecond: a.Config.JobsAPI.RequestsPerSecond,
		Burst:             a.Config.JobsAPI.Burst,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create jobs API client: %w", err)
	}
	a.JobsClient = jobsClient

	intervals := make(map[models.JobType]time.Duration)
	for name, d := range a.Config.Tracker.GetPollIntervals() {
		intervals[models.JobType(name)] = d
	}

	registry := tracker.NewRegistry(a.Logger)
	sched := tracker.NewTimerScheduler()
	reconciler := tracker.NewReconciler(
		registry,
		sched,
		a.EventService,
		a.HistoryStorage,
		a.Config.Tracker.GetGraceWindow(),
		a.Logger,
	)
	poller := tracker.NewPoller(
		registry,
		jobsClient,
		sched,
		reconciler,
		intervals,
		a.Config.Tracker.GetFetchTimeout(),
		a.Logger,
	)
	detector := tracker.Detector{
		StuckAfter: a.Config.Tracker.GetStuckAfter(),
		WarnAfter:  a.Config.Tracker.GetWarnAfter(),
	}
	dispatcher := tracker.NewDispatcher(registry, jobsClient, poller, detector, a.EventService, a.Logger)
	a.Surface = tracker.NewSurface(registry, poller, dispatcher, detector, a.Logger)

	a.Logger.Debug().
		Int("poll_intervals", len(intervals)).
		Dur("stuck_after", detector.StuckAfter).
		Msg("Tracking engine initialized")
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Surface, a.Logger, &a.Config.WebSocket)
	a.JobHandler = handlers.NewJobHandler(a.Surface, a.Logger)
	if a.HistoryStorage != nil {
		a.HistoryHandler = handlers.NewHistoryHandler(a.HistoryStorage, a.Logger)
	}
	// SweepService is nil when sweeps are disabled
	a.StatusHandler = handlers.NewStatusHandler(a.Surface, a.SweepService, a.Logger)
}

// Close closes all application resources
func (a *App) Close() error {
	if a.WSHandler != nil {
		a.WSHandler.StopStatusBroadcaster()
	}

	if a.SweepService != nil {
		if err := a.SweepService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop sweep service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
