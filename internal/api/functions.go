package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/voxelgrid/internal/broker"
	"github.com/seantiz/voxelgrid/internal/engine"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createFunctionRequest is the JSON body for POST /v1/functions.
type createFunctionRequest struct {
	Name      string `json:"name"`
	Code      string `json:"code"`
	Isolation string `json:"isolation"`
	TimeoutMS *int   `json:"timeout_ms"`
}

// listFunctionsResponse wraps the paginated list response.
type listFunctionsResponse struct {
	Functions []*model.Function `json:"functions"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// evaluateRequest is the JSON body for POST /v1/functions/{id}/evaluate.
type evaluateRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// evaluateResponse carries a null value when render produced none.
type evaluateResponse struct {
	Value *float64 `json:"value"`
}

func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	var req createFunctionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	f, err := s.engine.CreateFunction(r.Context(), req.Name, req.Code, req.Isolation, req.TimeoutMS)
	if errors.Is(err, engine.ErrInvalidFunction) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create function", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create function")
		return
	}

	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFunction(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	functions, total, err := s.store.ListFunctions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list functions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list functions")
		return
	}

	if functions == nil {
		functions = []*model.Function{}
	}

	s.writeJSON(w, http.StatusOK, listFunctionsResponse{
		Functions: functions,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleDisposeFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.DisposeFunction(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "function not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "function already disposed")
		default:
			s.logger.Error("dispose function", "function_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to dispose function")
		}
		return
	}

	f, err := s.store.GetFunction(r.Context(), id)
	if err != nil {
		s.logger.Error("get disposed function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve function")
		return
	}

	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req evaluateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Evaluate(r.Context(), id, req.X, req.Y, req.Z)
	if err != nil {
		status, message := evaluationStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("evaluate", "function_id", id, "error", err)
		}
		s.writeError(w, status, message)
		return
	}

	s.writeJSON(w, http.StatusOK, evaluateResponse{Value: resultValue(res)})
}

// lookupFunction loads the function named by the {id} URL parameter, writing
// an error response when it cannot.
func (s *Server) lookupFunction(w http.ResponseWriter, r *http.Request) (*model.Function, bool) {
	id := chi.URLParam(r, "id")

	f, err := s.store.GetFunction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "function not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get function")
		return nil, false
	}
	return f, true
}

// evaluationStatus maps an evaluation error to an HTTP status and a message
// safe to return to the client.
func evaluationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "function not found"
	case errors.Is(err, engine.ErrFunctionDisposed):
		return http.StatusGone, "function disposed"
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusGatewayTimeout, "evaluation timed out"
	case errors.Is(err, broker.ErrEvaluationFailed):
		return http.StatusBadGateway, "evaluation failed"
	case errors.Is(err, broker.ErrHostFailed):
		return http.StatusBadGateway, "isolated host failed"
	case errors.Is(err, engine.ErrShuttingDown), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request canceled"
	default:
		return http.StatusInternalServerError, "failed to evaluate"
	}
}

func resultValue(res broker.Result) *float64 {
	if !res.Present {
		return nil
	}
	v := res.Value
	return &v
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

// pagination reads the limit and offset query parameters, clamping them to
// sane values.
func pagination(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
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
