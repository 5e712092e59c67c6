package process

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for process start outcomes.
const (
	outcomeStarted     = "started"
	outcomeStartFailed = "start_failed"
)

var (
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelgrid_process_active_guests",
			Help: "Number of currently running guest processes.",
		},
	)

	processesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_process_guests_total",
			Help: "Total number of guest process start attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeProcesses)
	prometheus.MustRegister(processesTotal)

	processesTotal.WithLabelValues(outcomeStarted)
	processesTotal.WithLabelValues(outcomeStartFailed)
}
