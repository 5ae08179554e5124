package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "gateway",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by provider.",
	}, []string{"provider", "from_state", "to_state"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Provider API calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pharmahub",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Provider API call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "gateway",
		Name:      "config_reloads_total",
		Help:      "Gateway configuration reloads by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(breakerTransitions, requestsTotal, requestDuration, reloadsTotal)
}

func observe(p Provider, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(string(p), op, outcome).Inc()
	requestDuration.WithLabelValues(string(p), op).Observe(time.Since(start).Seconds())
}
