package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger postings by transaction type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bountypay",
			Name:      "ledger_operations_total",
			Help:      "Total ledger postings by transaction type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes posting latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bountypay",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger posting duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	occConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bountypay",
			Name:      "ledger_version_conflicts_total",
			Help:      "Conditional balance writes that lost to a concurrent writer.",
		},
	)

	occRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bountypay",
			Name:      "ledger_transaction_retries_total",
			Help:      "Storage transactions re-run after an optimistic-lock conflict.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		occConflicts,
		occRetries,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
