package escrow

import "github.com/prometheus/client_golang/prometheus"

var escrowOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bountypay",
		Name:      "escrow_operations_total",
		Help:      "Escrow operations by operation and outcome.",
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(escrowOps)
}
