package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	ByFunction         map[string]int `json:"by_function"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	TotalDataProcessed int            `json:"total_data_processed"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:              stats.Total,
		ByStatus:           stats.CountByStatus,
		ByFunction:         stats.CountByFunction,
		AvgDurationMS:      stats.AvgDurationMS,
		TotalDataProcessed: stats.TotalDataProcessed,
	})
}
