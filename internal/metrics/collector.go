// Package metrics registers and records the engine's Prometheus metric
// families: turn lifecycle counters, router decision outcomes, gathering
// coordination events, and persistence failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the engine's metric families. Construct one per process
// with an explicit registerer so tests can use isolated registries.
type Collector struct {
	TurnsStarted    prometheus.Counter
	TurnsFinished   *prometheus.CounterVec
	RouterDecisions *prometheus.CounterVec
	WorkerResults   prometheus.Counter
	GatherWins      prometheus.Counter
	GatherExpired   prometheus.Counter
	PersistFailures prometheus.Counter
	TurnDuration    prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers the engine metric families on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	return &Collector{
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Turns initiated by a user message.",
		}),
		TurnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finished_total",
			Help:      "Turns finished, partitioned by finish reason.",
		}, []string{"reason"}),
		RouterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_decisions_total",
			Help:      "Routing passes, partitioned by outcome.",
		}, []string{"outcome"}),
		WorkerResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_results_total",
			Help:      "Worker result messages collected.",
		}),
		GatherWins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gather_wins_total",
			Help:      "Gatherings drained by a winning collector invocation.",
		}),
		GatherExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gather_expired_total",
			Help:      "Worker results whose gathering had already expired.",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed durable-log flushes.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from turn start to finish.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}
