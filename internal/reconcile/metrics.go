package reconcile

import "github.com/prometheus/client_golang/prometheus"

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridge",
	Subsystem: "reconcile",
	Name:      "outcomes_total",
	Help:      "Provider verdicts by source and outcome.",
}, []string{"source", "outcome"})

func init() {
	prometheus.MustRegister(outcomes)
}
