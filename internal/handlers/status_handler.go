package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/common"
	"github.com/ternarybob/custos/internal/services/scheduler"
	"github.com/ternarybob/custos/internal/tracker"
)

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	surface   *tracker.Surface
	sweeper   *scheduler.Service
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new StatusHandler. The sweeper may be nil when
// background sweeps are disabled.
func NewStatusHandler(surface *tracker.Surface, sweeper *scheduler.Service, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		surface:   surface,
		sweeper:   sweeper,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobs := h.surface.Jobs(tracker.Query{})
	active := 0
	for _, job := range jobs {
		if job.Status.IsActive() {
			active++
		}
	}

	status := map[string]interface{}{
		"service":        "custos",
		"version":        common.GetFullVersion(),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"tracked_jobs":   len(jobs),
		"active_jobs":    active,
	}

	if h.sweeper != nil {
		status["sweep"] = h.sweeper.GetStatus()
	} else {
		status["sweep"] = map[string]interface{}{"enabled": false}
	}

	WriteJSON(w, http.StatusOK, status)
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "custos",
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
