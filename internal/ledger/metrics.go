package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	chargeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "ledger",
		Name:      "charges_created_total",
		Help:      "Charge creation attempts by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "ledger",
		Name:      "webhooks_total",
		Help:      "Webhook deliveries by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "ledger",
		Name:      "charge_transitions_total",
		Help:      "Applied charge status transitions.",
	}, []string{"from", "to"})

	illegalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharmahub",
		Subsystem: "ledger",
		Name:      "illegal_transitions_total",
		Help:      "Reported charge transitions rejected by the transition table.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(chargeOutcomes, webhooksTotal, transitionsTotal, illegalTransitions)
}
