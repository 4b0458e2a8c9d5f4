package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
)

// FakeGateway is an in-memory Gateway for development mode and tests. Like
// Stripe, it returns the original result for a repeated idempotency key.
type FakeGateway struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	refunds   map[string]*Refund
	calls     int
	fail      func(op string, attempt int) error
}

// NewFakeGateway creates a fake gateway that always succeeds.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		transfers: make(map[string]*Transfer),
		refunds:   make(map[string]*Refund),
	}
}

// FailWith makes calls fail while fn returns an error. attempt counts every
// call made so far, starting at 1.
func (f *FakeGateway) FailWith(fn func(op string, attempt int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// FailTransient makes the first n calls fail with a retryable error.
func (f *FakeGateway) FailTransient(n int) {
	f.FailWith(func(op string, attempt int) error {
		if attempt <= n {
			return apperr.External("fake."+op, true, errors.New("gateway unavailable"))
		}
		return nil
	})
}

// Calls returns how many calls reached the gateway.
func (f *FakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Transfers returns the distinct transfers created.
func (f *FakeGateway) Transfers() []*Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Transfer, 0, len(f.transfers))
	for _, t := range f.transfers {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Refunds returns the distinct refunds created.
func (f *FakeGateway) Refunds() []*Refund {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Refund, 0, len(f.refunds))
	for _, r := range f.refunds {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (f *FakeGateway) CreateTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.attempt(ctx, opTransfer); err != nil {
		return nil, err
	}
	if t, ok := f.transfers[idempotencyKey]; ok {
		cp := *t
		return &cp, nil
	}
	t := &Transfer{ID: idgen.WithPrefix("tr_"), Destination: destination, Amount: amount, Status: "paid"}
	f.transfers[idempotencyKey] = t
	cp := *t
	return &cp, nil
}

func (f *FakeGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64, idempotencyKey string) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.attempt(ctx, opRefund); err != nil {
		return nil, err
	}
	if r, ok := f.refunds[idempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	r := &Refund{ID: idgen.WithPrefix("re_"), PaymentRef: paymentRef, Amount: amount, Status: "succeeded"}
	f.refunds[idempotencyKey] = r
	cp := *r
	return &cp, nil
}

// attempt must be called with f.mu held.
func (f *FakeGateway) attempt(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperr.External("fake."+op, true, err)
	}
	f.calls++
	if f.fail != nil {
		return f.fail(op, f.calls)
	}
	return nil
}

var _ Gateway = (*FakeGateway)(nil)
