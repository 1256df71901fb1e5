package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/queue"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByWorkflow     map[string]int `json:"by_workflow"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	Executing      []string       `json:"executing"`
	PendingReviews int            `json:"pending_reviews"`
	Queue          queue.Stats    `json:"queue"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		ByWorkflow:     stats.CountByWorkflow,
		AvgDurationMS:  stats.AvgDurationMS,
		Executing:      s.engine.ActiveRuns(),
		PendingReviews: len(s.engine.PendingReviews()),
		Queue:          s.engine.QueueStats(r.Context()),
	})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := listLimits(r)
	entries, err := s.store.ListHistory(r.Context(), r.URL.Query().Get("workflow_id"), limit)
	if err != nil {
		s.logger.Error("list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}
