package usage

import "github.com/prometheus/client_golang/prometheus"

var admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pharmahub",
	Subsystem: "usage",
	Name:      "admissions_total",
	Help:      "Quota admission checks by dimension and result.",
}, []string{"dimension", "result"})

func init() {
	prometheus.MustRegister(admissionsTotal)
}
