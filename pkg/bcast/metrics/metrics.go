// Package metrics instruments the three broadcast engines with
// Prometheus: deliveries, round durations, and dropped messages, all
// labeled by layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bcast",
		Name:      "delivered_total",
		Help:      "Total count of (instance, round) deliveries by layer.",
	}, []string{"layer"})

	roundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bcast",
		Name:      "round_duration_seconds",
		Help:      "Duration from first observation to delivery of a round, by layer.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"layer"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bcast",
		Name:      "dropped_total",
		Help:      "Total count of dropped messages by layer and reason (decode, transport).",
	}, []string{"layer", "reason"})
)

func init() {
	prometheus.MustRegister(deliveredTotal, roundDuration, droppedTotal)
}

// Layer names used as the metric label; kept here rather than in each
// engine package to avoid an import cycle.
const (
	LayerReliable   = "reliable"
	LayerWitness    = "witness"
	LayerAggregated = "aggregated"
)

// ObserveDelivery records one successful (instance, round) delivery,
// including how long it took since start.
func ObserveDelivery(layer string, start time.Time) {
	deliveredTotal.WithLabelValues(layer).Inc()
	roundDuration.WithLabelValues(layer).Observe(time.Since(start).Seconds())
}

// ObserveDrop records one message dropped for the given reason
// ("decode" or "transport").
func ObserveDrop(layer, reason string) {
	droppedTotal.WithLabelValues(layer, reason).Inc()
}
