package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/voxelgrid/internal/engine"
	"github.com/seantiz/voxelgrid/internal/model"
	"github.com/seantiz/voxelgrid/internal/store"
)

// submitGridRequest is the JSON body for POST /v1/functions/{id}/grids.
type submitGridRequest struct {
	Size int `json:"size"`
}

// listGridsResponse wraps the paginated list of a function's grid runs.
type listGridsResponse struct {
	GridRuns []*model.GridRun `json:"grid_runs"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// voxelsResponse is the JSON response for GET /v1/grids/{id}/voxels.
type voxelsResponse struct {
	RunID  string        `json:"run_id"`
	Voxels []model.Voxel `json:"voxels"`
}

func (s *Server) handleSubmitGrid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req submitGridRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.engine.SubmitGrid(r.Context(), id, req.Size)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidGridSize):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "function not found")
		case errors.Is(err, engine.ErrFunctionDisposed):
			s.writeError(w, http.StatusGone, "function disposed")
		case errors.Is(err, engine.ErrShuttingDown):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.logger.Error("submit grid", "function_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit grid")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFunction(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	runs, total, err := s.store.ListGridRuns(r.Context(), f.ID, limit, offset)
	if err != nil {
		s.logger.Error("list grid runs", "function_id", f.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list grid runs")
		return
	}

	if runs == nil {
		runs = []*model.GridRun{}
	}

	s.writeJSON(w, http.StatusOK, listGridsResponse{
		GridRuns: runs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupGridRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetVoxels(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupGridRun(w, r)
	if !ok {
		return
	}

	voxels, err := s.store.GetVoxels(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get voxels", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get voxels")
		return
	}

	if voxels == nil {
		voxels = []model.Voxel{}
	}

	s.writeJSON(w, http.StatusOK, voxelsResponse{RunID: run.ID, Voxels: voxels})
}

// handleStreamGrid streams the voxels of a grid run as server-sent events,
// one JSON voxel per event, followed by a "done" event. A finished run is
// replayed from the store; a live run streams voxels as they are produced.
func (s *Server) handleStreamGrid(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupGridRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	if run.Status == model.StatusCompleted || run.Status == model.StatusFailed {
		voxels, err := s.store.GetVoxels(r.Context(), run.ID)
		if err != nil {
			s.logger.Error("get voxels for replay", "run_id", run.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get voxels")
			return
		}
		w.WriteHeader(http.StatusOK)
		for _, v := range voxels {
			if err := writeSSEVoxel(w, v); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", run.Status)
		return
	}

	// Safe even if the run finished after the status check above: Subscribe
	// on a closed topic returns a closed channel.
	ch, unsub := s.engine.Voxels().Subscribe(run.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEVoxel(w, v); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// lookupGridRun loads the grid run named by the {id} URL parameter, writing
// an error response when it cannot.
func (s *Server) lookupGridRun(w http.ResponseWriter, r *http.Request) (*model.GridRun, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetGridRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "grid run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get grid run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get grid run")
		return nil, false
	}
	return run, true
}

// writeSSEVoxel writes v as a single-line JSON data event.
func writeSSEVoxel(w http.ResponseWriter, v model.Voxel) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
