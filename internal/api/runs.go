package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/turbit/internal/engine"
	"github.com/seantiz/turbit/internal/model"
	"github.com/seantiz/turbit/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 16 << 20 // 16 MB
)

// runRequest is the JSON body for POST /v1/runs and /v1/runs/async.
type runRequest struct {
	Function string            `json:"function"`
	Type     string            `json:"type"`
	Power    *float64          `json:"power"`
	Data     []json.RawMessage `json:"data"`
	Args     []json.RawMessage `json:"args"`
}

// options converts the body into engine options. A missing data field stays
// nil so that extended runs without data are rejected.
func (req runRequest) options() engine.Options {
	return engine.Options{
		Mode:  req.Type,
		Power: req.Power,
		Data:  rawValues(req.Data),
		Args:  rawValues(req.Args),
	}
}

func rawValues(raw []json.RawMessage) []any {
	if raw == nil {
		return nil
	}
	out := make([]any, len(raw))
	for i, v := range raw {
		out[i] = v
	}
	return out
}

// runErrorResponse is the body returned when a run fails after submission.
type runErrorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
	Chunk *int   `json:"chunk,omitempty"`
	Item  *int   `json:"item,omitempty"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Function == "" {
		s.writeError(w, http.StatusBadRequest, "function is required")
		return req, false
	}
	return req, true
}

// handleRun executes a run and responds with its result.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}

	// Runs may outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for run", "error", err)
	}

	p, err := s.engine.Submit(r.Context(), req.Function, req.options())
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	res, err := p.Wait(r.Context())
	if err != nil {
		s.writeRunError(w, p.ID(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleAsyncRun queues a run and responds with its pending record.
func (s *Server) handleAsyncRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}

	p, err := s.engine.Submit(context.WithoutCancel(r.Context()), req.Function, req.options())
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), p.ID())
	if err != nil {
		s.logger.Error("get submitted run", "run_id", p.ID(), "error", err)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": p.ID()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var serr *engine.SerializationError
	switch {
	case errors.As(err, &verr), errors.As(err, &serr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	resp := runErrorResponse{Error: err.Error(), RunID: runID}

	var execErr *engine.ExecutionError
	var crash *engine.WorkerCrashError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &execErr):
		status = http.StatusUnprocessableEntity
		resp.Chunk = &execErr.Chunk
		resp.Item = &execErr.Item
	case errors.As(err, &crash):
		status = http.StatusBadGateway
		resp.Chunk = &crash.Chunk
	case errors.Is(err, engine.ErrTerminated):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away.
		status = http.StatusRequestTimeout
	default:
		s.logger.Error("run failed", "run_id", runID, "error", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
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
