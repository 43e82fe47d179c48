package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByName       map[string]int `json:"by_name"`
	AvgTimeTotal float64        `json:"avg_time_total"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByStatus:     stats.CountByStatus,
		ByName:       stats.CountByName,
		AvgTimeTotal: stats.AvgTimeTotal,
	})
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.ListStatuses(r.Context())
	if err != nil {
		s.logger.Error("list statuses", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list statuses")
		return
	}
	s.writeJSON(w, http.StatusOK, statuses)
}
