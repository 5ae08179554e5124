package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pharmahub",
		Subsystem: "reconciliation",
		Name:      "stale_pending_charges",
		Help:      "Number of stale pending charges found in the last reconciliation run.",
	})

	chargesChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "reconciliation",
		Name:      "charges_checked_total",
		Help:      "Total charges polled by reconciliation.",
	})

	chargesUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "reconciliation",
		Name:      "charges_updated_total",
		Help:      "Total charges whose status changed during reconciliation.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pharmahub",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		pendingGauge,
		chargesChecked,
		chargesUpdated,
		reconcileDuration,
		reconcileErrors,
	)
}
