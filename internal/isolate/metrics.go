package isolate

import "github.com/prometheus/client_golang/prometheus"

var (
	activeIsolates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelgrid_isolate_active",
			Help: "Number of currently open in-process isolates.",
		},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelgrid_isolate_load_seconds",
			Help:    "Time spent loading user code into a new isolate, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	crashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelgrid_isolate_crashes_total",
			Help: "Total number of isolates whose runtime crashed.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeIsolates)
	prometheus.MustRegister(loadDuration)
	prometheus.MustRegister(crashesTotal)
}
