package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bitfantasy/nimo-pdm/internal/resilience"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "fanout",
		Name:      "outcomes_total",
		Help:      "Secondary store writes by target, operation and result.",
	}, []string{"target", "op", "result"})

	writeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pdm",
		Subsystem: "fanout",
		Name:      "write_duration_seconds",
		Help:      "Latency of secondary store writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Mutations dropped because the async pool was full.",
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pdm",
		Subsystem: "fanout",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})
)

func observeBreaker(name string, _, to resilience.State) {
	breakerState.WithLabelValues(name).Set(float64(to))
}
