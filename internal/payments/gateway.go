// Package payments adapts the external payment processor. Every call carries
// the caller's idempotency key so the processor deduplicates retries on its
// side as well.
package payments

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/circuitbreaker"
)

// Transfer is a payout to a connected account.
type Transfer struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
}

// Refund returns funds to the instrument of an original charge.
type Refund struct {
	ID         string `json:"id"`
	PaymentRef string `json:"paymentRef"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
}

// Gateway moves money outside the platform. Errors are apperr
// KindExternalService; IsRetryable separates transient failures from
// requests the processor will never accept.
type Gateway interface {
	CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (*Transfer, error)
	CreateRefund(ctx context.Context, paymentRef string, amount int64, idempotencyKey string) (*Refund, error)
}

var (
	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountypay",
		Name:      "gateway_calls_total",
		Help:      "Payment gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	gatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bountypay",
		Name:      "gateway_call_duration_seconds",
		Help:      "Payment gateway call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gatewayCalls, gatewayLatency)
}

const (
	opTransfer = "transfer"
	opRefund   = "refund"
)

// Guarded wraps a Gateway with a per-operation circuit breaker and call
// metrics. Only retryable failures count against the circuit.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker returns g guarded by b.
func WithBreaker(g Gateway, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: g, breaker: b}
}

// Breaker exposes the circuit state for health checks.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (*Transfer, error) {
	var out *Transfer
	err := g.call(opTransfer, func() error {
		var err error
		out, err = g.next.CreateTransfer(ctx, destination, amount, idempotencyKey)
		return err
	})
	return out, err
}

func (g *Guarded) CreateRefund(ctx context.Context, paymentRef string, amount int64, idempotencyKey string) (*Refund, error) {
	var out *Refund
	err := g.call(opRefund, func() error {
		var err error
		out, err = g.next.CreateRefund(ctx, paymentRef, amount, idempotencyKey)
		return err
	})
	return out, err
}

func (g *Guarded) call(op string, fn func() error) error {
	start := time.Now()
	err := g.breaker.Call(op, fn, apperr.IsRetryable)
	gatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	gatewayCalls.WithLabelValues(op, callOutcome(err)).Inc()
	return err
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.Is(err, apperr.KindUnavailable):
		return "short_circuited"
	case apperr.IsRetryable(err):
		return "transient"
	default:
		return "rejected"
	}
}

var _ Gateway = (*Guarded)(nil)
