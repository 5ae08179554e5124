package subscription

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "subscription",
		Name:      "transitions_total",
		Help:      "Subscription status transitions by from/to status.",
	}, []string{"from", "to"})

	sweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "subscription",
		Name:      "sweep_expired_total",
		Help:      "Subscriptions marked expired by the sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pharmahub",
		Subsystem: "subscription",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expiry sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, sweepExpiredTotal, sweepDuration)
}
