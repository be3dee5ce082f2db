package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Rate limit decisions by outcome and principal kind",
		},
		[]string{"outcome", "kind"},
	)

	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_store_errors_total",
			Help: "Shared store failures handled by the fail policy",
		},
	)

	DecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_decision_seconds",
			Help:    "Latency of rate limit decisions",
			Buckets: prometheus.DefBuckets,
		},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_breaker_transitions_total",
			Help: "Circuit breaker state transitions by service and new state",
		},
		[]string{"service", "state"},
	)

	BreakerRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_breaker_rejects_total",
			Help: "Calls rejected without invoking the dependency",
		},
		[]string{"service"},
	)
)

func Register() {
	prometheus.MustRegister(
		DecisionsTotal,
		StoreErrorsTotal,
		DecisionLatency,
		BreakerTransitions,
		BreakerRejectsTotal,
	)
}
