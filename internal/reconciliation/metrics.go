package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of accounts whose balance disagreed with their postings in the last run.",
	})

	reconcileFailedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "failed_outbox_events",
		Help:      "Number of failed outbox events awaiting remediation in the last run.",
	})

	reconcileAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "accounts_checked",
		Help:      "Number of accounts checked in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileFailedEvents,
		reconcileAccounts,
		reconcileDuration,
		reconcileErrors,
	)
}
