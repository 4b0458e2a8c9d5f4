package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	payoutsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountypay",
		Name:      "payouts_queued_total",
		Help:      "Pending withdrawals queued for the payment gateway, by event type.",
	}, []string{"type"})

	payoutsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountypay",
		Name:      "payout_attempts_total",
		Help:      "Payout attempts by outcome (completed, error, failed).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(payoutsQueued, payoutsSettled)
}
