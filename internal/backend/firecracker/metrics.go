package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for VM lifecycle outcomes.
const (
	statusStarted    = "started"
	statusBootFailed = "boot_failed"
	statusStopped    = "stopped"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelgrid_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelgrid_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelgrid_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and resource cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_firecracker_vms_total",
			Help: "Total number of microVM lifecycle events by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, s := range []string{statusStarted, statusBootFailed, statusStopped} {
		vmsTotal.WithLabelValues(s)
	}
}
