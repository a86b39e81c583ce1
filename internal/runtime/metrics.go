package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments shared by every consumer loop
// in a process. Loops are distinguished by the consumer group label.
type Metrics struct {
	EntriesProcessed *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	DLQTotal         *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
}

// NewMetrics registers the consumer runtime metrics with reg. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EntriesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_entries_processed_total",
				Help:      "Stream entries handled by the consumer runtime",
			},
			[]string{"group", "result"}, // result: ok, duplicate, retry, dlq
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Wall-clock duration of handler invocations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"group"},
		),
		DLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dlq_entries_total",
				Help:      "Entries quarantined to the DLQ stream",
			},
			[]string{"group", "reason"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_retries_total",
				Help:      "Handler attempts left pending for reclaim",
			},
			[]string{"group"},
		),
	}
}
