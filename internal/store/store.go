package store

import (
	"context"
	"errors"

	"github.com/seantiz/voxelgrid/internal/model"
)

var (
	// ErrNotFound is returned when a function or grid run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats holds aggregate statistics over functions and grid runs.
type Stats struct {
	Functions            int            `json:"functions"`
	FunctionsByStatus    map[string]int `json:"functions_by_status"`
	FunctionsByIsolation map[string]int `json:"functions_by_isolation"`
	GridRuns             int            `json:"grid_runs"`
	GridRunsByStatus     map[string]int `json:"grid_runs_by_status"`
	AvgRunDurationMS     float64        `json:"avg_run_duration_ms"`
	Voxels               int            `json:"voxels"`
}

// Store defines the persistence operations for functions, grid runs and voxels.
type Store interface {
	CreateFunction(ctx context.Context, f *model.Function) error
	GetFunction(ctx context.Context, id string) (*model.Function, error)
	ListFunctions(ctx context.Context, limit, offset int) ([]*model.Function, int, error)
	UpdateFunctionStatus(ctx context.Context, id, status string) error

	CreateGridRun(ctx context.Context, r *model.GridRun) error
	GetGridRun(ctx context.Context, id string) (*model.GridRun, error)
	ListGridRuns(ctx context.Context, functionID string, limit, offset int) ([]*model.GridRun, int, error)
	UpdateGridRunStatus(ctx context.Context, id, status string) error
	UpdateGridRun(ctx context.Context, r *model.GridRun) error

	InsertVoxels(ctx context.Context, runID string, voxels []model.Voxel) error
	GetVoxels(ctx context.Context, runID string) ([]model.Voxel, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
