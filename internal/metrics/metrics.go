// Package metrics exposes Prometheus collectors for the correlation engine
// and its outbound bridges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	EventsProcessed  prometheus.Counter
	EventsRejected   prometheus.Counter
	AttacksDetected  *prometheus.CounterVec
	RuleEvaluations  prometheus.Counter
	EventsExpired    prometheus.Counter
	StoreDepth       prometheus.Gauge
	BridgeFailures   *prometheus.CounterVec
	EvaluationTimeMs prometheus.Histogram
}

// New registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_processed_total",
			Help: "Security events ingested by the correlation engine.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_rejected_total",
			Help: "Security events rejected by schema validation.",
		}),
		AttacksDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_attacks_detected_total",
			Help: "Attacks detected, labeled by triggering rule.",
		}, []string{"rule_id"}),
		RuleEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_rule_evaluations_total",
			Help: "Individual rule evaluations across all passes.",
		}),
		EventsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_expired_total",
			Help: "Events removed by age-based cleanup.",
		}),
		StoreDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_event_store_depth",
			Help: "Current number of events held in the store.",
		}),
		BridgeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_bridge_failures_total",
			Help: "Outbound bridge call failures, labeled by bridge.",
		}, []string{"bridge"}),
		EvaluationTimeMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_evaluation_duration_ms",
			Help:    "Duration of a full rule evaluation pass in milliseconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}),
	}
}
