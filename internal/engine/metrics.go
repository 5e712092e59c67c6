package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	cellFilled = "filled"
	cellEmpty  = "empty"
	cellFailed = "failed"

	openSucceeded = "opened"
	openFailed    = "failed"
)

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelgrid_engine_active_sessions",
			Help: "Number of functions with a live host.",
		},
	)

	sessionOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_engine_session_opens_total",
			Help: "Total number of host opens by result.",
		},
		[]string{"result"},
	)

	gridRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_engine_grid_runs_total",
			Help: "Total number of finished grid runs by status.",
		},
		[]string{"status"},
	)

	gridRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelgrid_engine_grid_run_seconds",
			Help:    "Wall-clock duration of grid runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	gridCellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_engine_grid_cells_total",
			Help: "Total number of evaluated grid coordinates by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		activeSessions,
		sessionOpensTotal,
		gridRunsTotal,
		gridRunDuration,
		gridCellsTotal,
	)
}
