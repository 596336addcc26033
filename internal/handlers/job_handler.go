package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/models"
	"github.com/ternarybob/custos/internal/tracker"
)

// JobHandler exposes the tracked-job engine over HTTP: listing, lookup,
// stuck classification, and the cancel/terminate actions.
type JobHandler struct {
	surface *tracker.Surface
	logger  arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(surface *tracker.Surface, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		surface: surface,
		logger:  logger,
	}
}

// jobIDFromPath extracts the job ID segment from /api/jobs/{id}[/action]
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// ListJobsHandler handles GET /api/jobs
// Query params: type, resource_id, resource_kind, active=true
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	q := tracker.Query{
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}

	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		jobType := models.JobType(typeStr)
		if !jobType.IsValid() {
			WriteError(w, http.StatusBadRequest, "invalid job type: "+typeStr)
			return
		}
		q.Type = jobType
	}

	if resourceID := r.URL.Query().Get("resource_id"); resourceID != "" {
		q.Resource = &models.ResourceRef{
			ID:   resourceID,
			Kind: r.URL.Query().Get("resource_kind"),
		}
	}

	jobs := h.surface.Jobs(q)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, ok := h.surface.Job(jobID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Job not tracked: "+jobID)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ClassifyJobHandler handles GET /api/jobs/{id}/classification
func (h *JobHandler) ClassifyJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	classification, err := h.surface.Classify(jobID)
	if err != nil {
		h.writeActionError(w, jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"stuck":  classification.Stuck,
		"warn":   classification.Warn,
	})
}

// GetJobStatsHandler handles GET /api/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobs := h.surface.Jobs(tracker.Query{})

	byStatus := make(map[string]int)
	byType := make(map[string]int)
	active := 0
	for _, job := range jobs {
		byStatus[string(job.Status)]++
		byType[string(job.Type)]++
		if job.Status.IsActive() {
			active++
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(jobs),
		"active":    active,
		"by_status": byStatus,
		"by_type":   byType,
	})
}

// TrackJobHandler handles POST /api/jobs/track
// Body: {"job_id": "...", "job_type": "...", "resource": {"id": "...", "kind": "..."}}
func (h *JobHandler) TrackJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req struct {
		JobID    string              `json:"job_id"`
		JobType  models.JobType      `json:"job_type"`
		Resource *models.ResourceRef `json:"resource,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	if !req.JobType.IsValid() {
		WriteError(w, http.StatusBadRequest, "invalid job type: "+string(req.JobType))
		return
	}

	h.surface.Adopt(req.JobID, req.JobType, req.Resource)

	h.logger.Info().
		Str("job_id", req.JobID).
		Str("job_type", string(req.JobType)).
		Msg("Job tracked via API")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"job_id": req.JobID,
	})
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if err := h.surface.Cancel(r.Context(), jobID); err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel request rejected")
		h.writeActionError(w, jobID, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Cancel dispatched")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"job_id": jobID,
		"action": "cancel",
	})
}

// TerminateJobHandler handles POST /api/jobs/{id}/terminate
func (h *JobHandler) TerminateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if err := h.surface.ForceTerminate(r.Context(), jobID); err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminate request rejected")
		h.writeActionError(w, jobID, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Force terminate dispatched")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"job_id": jobID,
		"action": "force_terminate",
	})
}

// writeActionError maps engine errors onto HTTP status codes
func (h *JobHandler) writeActionError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		WriteError(w, http.StatusNotFound, "Job not tracked: "+jobID)
	case errors.Is(err, tracker.ErrActionPending):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracker.ErrNotCancellable),
		errors.Is(err, tracker.ErrNotActive),
		errors.Is(err, tracker.ErrNotStuck):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
