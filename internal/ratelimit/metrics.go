package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmahub",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by rate limiting, by scope.",
}, []string{"scope"})

func init() {
	prometheus.MustRegister(rejected)
}
