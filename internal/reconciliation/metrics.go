package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/careline/internal/metrics"
)

var (
	reconcileStalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Number of pending/processing payments found stale in last reconciliation run.",
	})

	reconcileResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "resolved_total",
		Help:      "Stale payments resolved from processor state, by event kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total per-payment reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStalePayments,
		reconcileResolved,
		reconcileDuration,
		reconcileErrors,
	)
}
