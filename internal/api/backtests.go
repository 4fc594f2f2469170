package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/backtestd/internal/engine"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// submitRequest is the JSON body for POST /v1/backtests. The backtest
// parameters go in request as an object, or pre-encoded in request_json.
type submitRequest struct {
	UserID      int64           `json:"user_id"`
	ReqID       string          `json:"req_id"`
	Request     json.RawMessage `json:"request"`
	RequestJSON string          `json:"request_json"`
}

// listBacktestsResponse wraps the paginated list response.
type listBacktestsResponse struct {
	Backtests []*model.BacktestTask `json:"backtests"`
	Total     int                   `json:"total"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Scope string `json:"scope,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleSubmitBacktest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	requestJSON := req.RequestJSON
	if len(req.Request) > 0 {
		requestJSON = string(req.Request)
	}

	task, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		UserID:      req.UserID,
		ReqID:       req.ReqID,
		RequestJSON: requestJSON,
	})
	if err != nil {
		s.writeServiceError(w, "submit backtest", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	userID := int64(parseIntQuery(r, "user_id", 0))

	task, err := s.engine.GetTask(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, "get backtest", err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	userID := int64(parseIntQuery(r, "user_id", 0))
	if userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := parseIntQuery(r, "limit", engine.DefaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > engine.MaxListLimit {
		limit = engine.DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.engine.ListTasks(r.Context(), userID, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list backtests", err)
		return
	}
	if tasks == nil {
		tasks = []*model.BacktestTask{}
	}

	s.writeJSON(w, http.StatusOK, listBacktestsResponse{
		Backtests: tasks,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	userID := int64(parseIntQuery(r, "user_id", 0))
	if userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	task, err := s.engine.Cancel(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, "cancel backtest", err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid backtest id")
		return 0, false
	}
	return id, true
}

// writeServiceError maps engine and store errors to HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		verr *model.ValidationError
		aerr *engine.AdmissionError
	)
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &aerr):
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: aerr.Error(), Scope: aerr.Scope, Limit: aerr.Limit})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "backtest not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
