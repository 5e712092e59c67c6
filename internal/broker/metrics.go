package broker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for evaluation outcomes.
const (
	outcomeValue      = "value"
	outcomeAbsent     = "absent"
	outcomeFailed     = "failed"
	outcomeTimeout    = "timeout"
	outcomeHostFailed = "host_failed"
	outcomeClosed     = "closed"
	outcomeCanceled   = "canceled"
	outcomeSendError  = "send_error"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelgrid_broker_evaluations_total",
			Help: "Total number of finalized evaluations by outcome.",
		},
		[]string{"outcome"},
	)

	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxelgrid_broker_evaluation_seconds",
			Help:    "Time from issuing an evaluation to its finalization, in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelgrid_broker_pending_calls",
			Help: "Number of evaluations awaiting a reply.",
		},
	)

	staleReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelgrid_broker_stale_replies_total",
			Help: "Total number of replies dropped because their correlation id was not pending.",
		},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal)
	prometheus.MustRegister(evaluationDuration)
	prometheus.MustRegister(pendingCalls)
	prometheus.MustRegister(staleReplies)

	for _, o := range []string{
		outcomeValue, outcomeAbsent, outcomeFailed, outcomeTimeout,
		outcomeHostFailed, outcomeClosed, outcomeCanceled, outcomeSendError,
	} {
		evaluationsTotal.WithLabelValues(o)
	}
}

func record(call *Call, res Result, err error) {
	evaluationsTotal.WithLabelValues(outcome(res, err)).Inc()
	evaluationDuration.Observe(time.Since(call.start).Seconds())
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Present:
		return outcomeValue
	case err == nil:
		return outcomeAbsent
	case errors.Is(err, ErrEvaluationFailed):
		return outcomeFailed
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrHostFailed):
		return outcomeHostFailed
	case errors.Is(err, ErrClosed):
		return outcomeClosed
	case errors.Is(err, errSend):
		return outcomeSendError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeSendError
	}
}
