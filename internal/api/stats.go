package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByExchange       map[string]int `json:"by_exchange"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	WorkersConnected int            `json:"workers_connected"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByExchange:       stats.CountByExchange,
		AvgDurationMS:    stats.AvgDurationMS,
		WorkersConnected: s.engine.Registry().Len(),
	})
}
