package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Functions            int            `json:"functions"`
	FunctionsByStatus    map[string]int `json:"functions_by_status"`
	FunctionsByIsolation map[string]int `json:"functions_by_isolation"`
	GridRuns             int            `json:"grid_runs"`
	GridRunsByStatus     map[string]int `json:"grid_runs_by_status"`
	AvgRunDurationMS     float64        `json:"avg_run_duration_ms"`
	Voxels               int            `json:"voxels"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Functions:            stats.Functions,
		FunctionsByStatus:    stats.FunctionsByStatus,
		FunctionsByIsolation: stats.FunctionsByIsolation,
		GridRuns:             stats.GridRuns,
		GridRunsByStatus:     stats.GridRunsByStatus,
		AvgRunDurationMS:     stats.AvgRunDurationMS,
		Voxels:               stats.Voxels,
	})
}
