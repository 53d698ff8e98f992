package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "provider",
		Name:      "breaker_transitions_total",
		Help:      "Relay circuit breaker transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	relayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "provider",
		Name:      "relay_failures_total",
		Help:      "Relay calls that failed with a 5xx or network error.",
	})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider calls by rail, action and outcome.",
	}, []string{"mode", "action", "outcome"})

	discoveryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "provider",
		Name:      "relay_discovery_total",
		Help:      "Relay discovery runs by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(breakerTransitions, relayFailures, providerCalls, discoveryRuns)
}
