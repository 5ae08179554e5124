package tenantdb

import "github.com/prometheus/client_golang/prometheus"

var (
	openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pharmahub",
		Subsystem: "tenantdb",
		Name:      "open_pools",
		Help:      "Tenant database pools currently open.",
	})

	openFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "tenantdb",
		Name:      "open_failures_total",
		Help:      "Failed attempts to open a tenant database.",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "tenantdb",
		Name:      "evictions_total",
		Help:      "Idle tenant pools closed.",
	})
)

func init() {
	prometheus.MustRegister(openHandles, openFailures, evictionsTotal)
}
