package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
)

// HistoryHandler serves the archived terminal-job history
type HistoryHandler struct {
	storage interfaces.JobHistoryStorage
	logger  arbor.ILogger
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(storage interfaces.JobHistoryStorage, logger arbor.ILogger) *HistoryHandler {
	return &HistoryHandler{
		storage: storage,
		logger:  logger,
	}
}

// ListHandler handles GET /api/history
// Query params: status, type, limit (default 50, max 500), offset
func (h *HistoryHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := GetIntParam(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}

	opts := &interfaces.HistoryListOptions{
		Limit:  limit,
		Offset: GetIntParam(r, "offset", 0),
	}

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		opts.Status = models.JobStatus(statusStr)
	}
	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		jobType := models.JobType(typeStr)
		if !jobType.IsValid() {
			WriteError(w, http.StatusBadRequest, "invalid job type: "+typeStr)
			return
		}
		opts.JobType = jobType
	}

	records, err := h.storage.List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list job history")
		WriteError(w, http.StatusInternalServerError, "Failed to list job history")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   records,
		"count":  len(records),
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// StatsHandler handles GET /api/history/stats
func (h *HistoryHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	count, err := h.storage.Count(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count job history")
		WriteError(w, http.StatusInternalServerError, "Failed to count job history")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total": count,
	})
}
