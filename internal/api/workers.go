package api

import (
	"net/http"

	"github.com/seantiz/backtestd/internal/registry"
)

type listWorkersResponse struct {
	Workers []registry.SessionInfo `json:"workers"`
	Total   int                    `json:"total"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.engine.Workers()
	s.writeJSON(w, http.StatusOK, listWorkersResponse{
		Workers: workers,
		Total:   len(workers),
	})
}
