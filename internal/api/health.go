package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Workers: s.engine.Registry().Len()})
}
