package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bountypay",
			Name:      "outbox_events_enqueued_total",
			Help:      "Outbox events appended, by type.",
		},
		[]string{"type"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bountypay",
			Name:      "outbox_events_processed_total",
			Help:      "Outbox delivery attempts by type and outcome (completed, retried, failed, lease_lost).",
		},
		[]string{"type", "outcome"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bountypay",
			Name:      "outbox_handler_duration_seconds",
			Help:      "Outbox handler latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(eventsEnqueued, eventsProcessed, handlerDuration)
}
