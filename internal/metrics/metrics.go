// Package metrics defines the Prometheus collectors the dispatcher
// publishes: a per-message outcome counter and a dispatch duration
// histogram, both labeled by store and topic.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels the dispatch_messages_total counter.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeFailed    Outcome = "failed"
)

// Dispatch bundles the collectors one dispatcher instance publishes to.
type Dispatch struct {
	MessagesTotal   *prometheus.CounterVec
	DurationSeconds *prometheus.HistogramVec
}

// NewDispatch constructs collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	d := &Dispatch{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_messages_total",
				Help: "Total number of outbox/inbox messages dispatched, by store, topic and outcome.",
			},
			[]string{"store", "topic", "outcome"},
		),
		DurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_duration_seconds",
				Help:    "Handler invocation duration in seconds, by store and topic.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"store", "topic"},
		),
	}
	reg.MustRegister(d.MessagesTotal, d.DurationSeconds)
	return d
}

// Observe records one dispatched message's outcome and duration.
func (d *Dispatch) Observe(store, topic string, outcome Outcome, durationSeconds float64) {
	d.MessagesTotal.WithLabelValues(store, topic, string(outcome)).Inc()
	d.DurationSeconds.WithLabelValues(store, topic).Observe(durationSeconds)
}
