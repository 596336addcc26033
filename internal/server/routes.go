package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket endpoint for live job updates
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Job tracking API
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.GetJobStatsHandler)
	mux.HandleFunc("/api/jobs/track", s.app.JobHandler.TrackJobHandler)
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// Job history (only when history storage is enabled)
	if s.app.HistoryHandler != nil {
		mux.HandleFunc("/api/history/stats", s.app.HistoryHandler.StatsHandler)
		mux.HandleFunc("/api/history", s.app.HistoryHandler.ListHandler)
	}

	// Service status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	// Catch-all for unknown API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && len(path) > len("/api/jobs/") {
		pathSuffix := path[len("/api/jobs/"):]
		// POST /api/jobs/{id}/cancel
		if strings.HasSuffix(pathSuffix, "/cancel") {
			s.app.JobHandler.CancelJobHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/terminate
		if strings.HasSuffix(pathSuffix, "/terminate") {
			s.app.JobHandler.TerminateJobHandler(w, r)
			return
		}
	}

	if r.Method == "GET" && len(path) > len("/api/jobs/") {
		pathSuffix := path[len("/api/jobs/"):]
		// GET /api/jobs/{id}/classification
		if strings.HasSuffix(pathSuffix, "/classification") {
			s.app.JobHandler.ClassifyJobHandler(w, r)
			return
		}
		// Otherwise it's /api/jobs/{id}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

// notFoundHandler returns a JSON 404 for unknown API routes
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"status":"error","error":"endpoint not found"}`))
}
