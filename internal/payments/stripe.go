package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/bountypay/internal/apperr"
)

// StripeGateway pays out through Stripe Connect transfers and refunds
// charges or payment intents.
type StripeGateway struct {
	api      *client.API
	currency string
}

// NewStripeGateway creates a gateway using secretKey. backends may be nil to
// use Stripe's production endpoints.
func NewStripeGateway(secretKey, currency string, backends *stripe.Backends) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{
		api:      client.New(secretKey, backends),
		currency: strings.ToLower(currency),
	}
}

func (s *StripeGateway) CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		Destination:   stripe.String(destination),
		TransferGroup: stripe.String(idempotencyKey),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classify("stripe.CreateTransfer", err)
	}
	status := "paid"
	if tr.Reversed {
		status = "reversed"
	}
	return &Transfer{ID: tr.ID, Destination: destination, Amount: tr.Amount, Status: status}, nil
}

// CreateRefund refunds paymentRef, which is either a PaymentIntent ("pi_")
// or a Charge id.
func (s *StripeGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{Amount: stripe.Int64(amount)}
	if strings.HasPrefix(paymentRef, "pi_") {
		params.PaymentIntent = stripe.String(paymentRef)
	} else {
		params.Charge = stripe.String(paymentRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classify("stripe.CreateRefund", err)
	}
	return &Refund{ID: r.ID, PaymentRef: paymentRef, Amount: r.Amount, Status: string(r.Status)}, nil
}

// classify maps a Stripe failure onto the error taxonomy. Rate limiting,
// server errors and transport failures are retryable; anything else Stripe
// rejected will be rejected again.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.External(op, true, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode == http.StatusConflict && se.Type != stripe.ErrorTypeIdempotency,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return apperr.External(op, true, err)
	default:
		return apperr.External(op, false, err)
	}
}

var _ Gateway = (*StripeGateway)(nil)
