// Package settlement drives a bounty from "work finished" or "work cancelled"
// to money at its destination.
//
// The internal step (escrow release or refund, plus the pending withdrawal
// that earmarks funds leaving the platform) commits synchronously in one
// storage transaction together with an outbox event. The external step, a
// gateway transfer or charge refund, runs later from the outbox with bounded
// retries. A payout that fails for good is compensated on the ledger; the
// release itself is never reversed.
package settlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/outbox"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/traces"
)

// Outbox event types.
const (
	EventPayoutTransfer = "payout.transfer"
	EventChargeRefund   = "payout.charge_refund"
)

var (
	ErrMissingBounty     = apperr.New(apperr.KindValidation, "bounty id is required")
	ErrMissingAccount    = apperr.New(apperr.KindValidation, "account id is required")
	ErrNoPayoutAccount   = apperr.New(apperr.KindValidation, "account has no linked external account")
	ErrWithdrawKeyNeeded = apperr.New(apperr.KindValidation, "withdrawal requires an idempotency key or reference")
)

// PayoutPending is the status reported while the gateway call is queued.
const PayoutPending = "pending"

// WorkCompleted triggers release of a bounty to the payee.
type WorkCompleted struct {
	BountyID       string `json:"bountyId"`
	PayeeID        string `json:"payeeId"`
	IdempotencyKey string `json:"-"`
}

// WorkCancelled triggers refund of a bounty to the payer. PaymentRef, when
// set, is the processor charge the funds are returned to.
type WorkCancelled struct {
	BountyID       string `json:"bountyId"`
	PayerID        string `json:"payerId"`
	Reason         string `json:"reason"`
	PaymentRef     string `json:"paymentRef,omitempty"`
	IdempotencyKey string `json:"-"`
}

// WithdrawRequest moves an account's funds to its linked external account.
type WithdrawRequest struct {
	AccountID      string `json:"accountId"`
	Amount         int64  `json:"amount"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"-"`
}

// DepositRequest credits funds that arrived from outside the platform.
// ExternalRef is the processor charge id.
type DepositRequest struct {
	AccountID      string `json:"accountId"`
	Amount         int64  `json:"amount"`
	ExternalRef    string `json:"externalRef"`
	IdempotencyKey string `json:"-"`
}

// Funding is the outcome of Deposit.
type Funding struct {
	Account     *ledger.Account     `json:"account"`
	Transaction *ledger.Transaction `json:"transaction"`
	Replayed    bool                `json:"replayed"`
}

// Payout describes queued external money movement.
type Payout struct {
	TransactionID string `json:"transactionId"`
	EventID       string `json:"eventId"`
	AccountID     string `json:"accountId"`
	Amount        int64  `json:"amount"`
	Destination   string `json:"destination,omitempty"`
	PaymentRef    string `json:"paymentRef,omitempty"`
	Status        string `json:"status"`
}

// Completion is the outcome of CompleteWork or CancelWork.
type Completion struct {
	Hold        *escrow.Hold        `json:"hold"`
	Transaction *ledger.Transaction `json:"transaction"`
	Payout      *Payout             `json:"payout,omitempty"`
	Replayed    bool                `json:"replayed"`
}

// payoutPayload is the outbox payload for both event types.
type payoutPayload struct {
	TxID        string `json:"txId"`
	AccountID   string `json:"accountId"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination,omitempty"`
	PaymentRef  string `json:"paymentRef,omitempty"`
	BountyID    string `json:"bountyId,omitempty"`
}

// Orchestrator coordinates escrow, ledger, outbox and the payment gateway.
type Orchestrator struct {
	ledger     *ledger.Ledger
	escrow     *escrow.Manager
	outbox     *outbox.Dispatcher
	gateway    payments.Gateway
	guard      *idempotency.Guard
	autoPayout bool
	logger     *slog.Logger
}

// Config holds orchestrator options.
type Config struct {
	// AutoPayout queues a transfer to the payee's linked external account
	// on every release.
	AutoPayout bool
}

// New creates an orchestrator and registers its outbox handlers on d. The
// ledger and dispatcher must share one transaction manager so failure
// compensation commits with the event's terminal status.
func New(l *ledger.Ledger, e *escrow.Manager, d *outbox.Dispatcher, gw payments.Gateway, guard *idempotency.Guard, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		ledger:     l,
		escrow:     e,
		outbox:     d,
		gateway:    gw,
		guard:      guard,
		autoPayout: cfg.AutoPayout,
		logger:     logger,
	}
	d.Register(EventPayoutTransfer, o.handleTransfer)
	d.Register(EventChargeRefund, o.handleChargeRefund)
	d.OnFailure(EventPayoutTransfer, o.compensate)
	d.OnFailure(EventChargeRefund, o.compensate)
	return o
}

// CompleteWork releases the bounty to the payee and, when auto payout is on
// and the payee has a linked external account, queues the transfer.
func (o *Orchestrator) CompleteWork(ctx context.Context, req WorkCompleted) (out *Completion, err error) {
	if req.BountyID == "" {
		return nil, ErrMissingBounty
	}
	if req.PayeeID == "" {
		return nil, ErrMissingAccount
	}
	ctx, span := traces.StartSpan(ctx, "settlement.CompleteWork",
		traces.BountyID(req.BountyID), traces.AccountID(req.PayeeID))
	defer func() { traces.End(span, err) }()

	hold, err := o.escrow.Get(ctx, req.BountyID)
	if err != nil {
		return nil, err
	}
	released, err := o.escrow.IsAlreadyReleased(ctx, req.BountyID)
	if err != nil {
		return nil, err
	}
	if released {
		done, err := o.existing(ctx, hold)
		if err != nil {
			return nil, err
		}
		if done.Transaction == nil || done.Transaction.AccountID != req.PayeeID {
			return nil, apperr.Wrap("settlement.CompleteWork", escrow.ErrAlreadyResolved)
		}
		o.logger.Info("bounty already released, ignoring duplicate completion", "bounty_id", req.BountyID)
		return done, nil
	}

	payee, err := o.ledger.EnsureAccount(ctx, req.PayeeID)
	if err != nil {
		return nil, apperr.Wrap("settlement.CompleteWork", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey("complete", req.BountyID, req.PayeeID)
	}
	out, err = o.run(ctx, "settlement.CompleteWork", key, req, func(ctx context.Context) (*Completion, error) {
		rel, err := o.escrow.Release(ctx, escrow.ReleaseRequest{BountyID: req.BountyID, PayeeID: req.PayeeID})
		if err != nil {
			return nil, err
		}
		c := &Completion{Hold: rel.Hold, Transaction: rel.Transaction}
		if o.autoPayout && payee.ExternalAccountID != "" {
			c.Payout, err = o.queue(ctx, EventPayoutTransfer, payoutPayload{
				AccountID:   req.PayeeID,
				Amount:      rel.Transaction.Amount,
				Destination: payee.ExternalAccountID,
				BountyID:    req.BountyID,
			}, "payout:"+req.BountyID)
			if err != nil {
				return nil, err
			}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		o.logger.Info("bounty completed", "bounty_id", req.BountyID, "payee_id", req.PayeeID,
			"payout_queued", out.Payout != nil)
	}
	return out, nil
}

// CancelWork refunds the bounty to the payer and, when PaymentRef is given,
// queues a refund of the original charge.
func (o *Orchestrator) CancelWork(ctx context.Context, req WorkCancelled) (out *Completion, err error) {
	if req.BountyID == "" {
		return nil, ErrMissingBounty
	}
	if req.PayerID == "" {
		return nil, ErrMissingAccount
	}
	ctx, span := traces.StartSpan(ctx, "settlement.CancelWork",
		traces.BountyID(req.BountyID), traces.AccountID(req.PayerID))
	defer func() { traces.End(span, err) }()

	hold, err := o.escrow.Get(ctx, req.BountyID)
	if err != nil {
		return nil, err
	}
	if hold.Status == escrow.StatusRefunded && hold.PayerID == req.PayerID {
		o.logger.Info("bounty already refunded, ignoring duplicate cancellation", "bounty_id", req.BountyID)
		return o.existing(ctx, hold)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey("cancel", req.BountyID, req.PayerID)
	}
	out, err = o.run(ctx, "settlement.CancelWork", key, req, func(ctx context.Context) (*Completion, error) {
		ref, err := o.escrow.Refund(ctx, escrow.RefundRequest{
			BountyID: req.BountyID,
			PayerID:  req.PayerID,
			Reason:   req.Reason,
		})
		if err != nil {
			return nil, err
		}
		c := &Completion{Hold: ref.Hold, Transaction: ref.Transaction}
		if req.PaymentRef != "" {
			c.Payout, err = o.queue(ctx, EventChargeRefund, payoutPayload{
				AccountID:  req.PayerID,
				Amount:     ref.Transaction.Amount,
				PaymentRef: req.PaymentRef,
				BountyID:   req.BountyID,
			}, "chargeback:"+req.BountyID)
			if err != nil {
				return nil, err
			}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		o.logger.Info("bounty cancelled", "bounty_id", req.BountyID, "payer_id", req.PayerID,
			"charge_refund_queued", out.Payout != nil)
	}
	return out, nil
}

// Withdraw debits the account and queues a transfer to its linked external
// account. The result is pending until the gateway confirms.
func (o *Orchestrator) Withdraw(ctx context.Context, req WithdrawRequest) (out *Payout, err error) {
	if req.AccountID == "" {
		return nil, ErrMissingAccount
	}
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	key := req.IdempotencyKey
	if key == "" {
		if req.Reference == "" {
			return nil, ErrWithdrawKeyNeeded
		}
		key = idempotency.DeriveKey("withdraw", req.AccountID, req.Reference)
	}
	ctx, span := traces.StartSpan(ctx, "settlement.Withdraw",
		traces.AccountID(req.AccountID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	acct, err := o.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct.ExternalAccountID == "" {
		return nil, ErrNoPayoutAccount
	}

	c, err := o.run(ctx, "settlement.Withdraw", key, req, func(ctx context.Context) (*Completion, error) {
		p, err := o.queue(ctx, EventPayoutTransfer, payoutPayload{
			AccountID:   req.AccountID,
			Amount:      req.Amount,
			Destination: acct.ExternalAccountID,
		}, key)
		if err != nil {
			return nil, err
		}
		return &Completion{Payout: p}, nil
	})
	if err != nil {
		return nil, err
	}
	if !c.Replayed {
		o.logger.Info("withdrawal queued", "account_id", req.AccountID, "amount", req.Amount,
			"tx_id", c.Payout.TransactionID)
	}
	return c.Payout, nil
}

// Deposit credits the account once per idempotency key. Without a client key
// the key is derived from the account and charge, so a repeated processor
// notification replays the first credit.
func (o *Orchestrator) Deposit(ctx context.Context, req DepositRequest) (out *Funding, err error) {
	if req.AccountID == "" {
		return nil, ErrMissingAccount
	}
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	key, derived := req.IdempotencyKey, false
	if key == "" {
		key, derived = idempotency.DeriveKey("deposit", req.AccountID, req.ExternalRef), true
	}
	ctx, span := traces.StartSpan(ctx, "settlement.Deposit",
		traces.AccountID(req.AccountID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	var replayed bool
	err = o.ledger.Atomically(ctx, func(ctx context.Context) error {
		var err error
		out, replayed, err = idempotency.Execute(ctx, o.guard, key, req, func(ctx context.Context) (*Funding, error) {
			res, err := o.ledger.Deposit(ctx, req.AccountID, req.Amount, req.ExternalRef, key)
			if err != nil {
				return nil, err
			}
			return &Funding{Account: res.Account, Transaction: res.Transaction}, nil
		})
		return err
	})
	if derived && errors.Is(err, idempotency.ErrKeyReused) {
		err = ledger.ErrDuplicateDeposit
	}
	if err != nil {
		return nil, apperr.Wrap("settlement.Deposit", err)
	}
	out.Replayed = replayed
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, op, key string, request any, fn func(ctx context.Context) (*Completion, error)) (*Completion, error) {
	var out *Completion
	var replayed bool
	err := o.ledger.Atomically(ctx, func(ctx context.Context) error {
		var err error
		out, replayed, err = idempotency.Execute(ctx, o.guard, key, request, fn)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	out.Replayed = replayed
	return out, nil
}

// queue debits a pending withdrawal and appends the outbox event that will
// move the funds, in the ambient transaction.
func (o *Orchestrator) queue(ctx context.Context, eventType string, p payoutPayload, key string) (*Payout, error) {
	md := map[string]string{"event_type": eventType}
	if p.BountyID != "" {
		md["bounty_id"] = p.BountyID
	}
	if p.Destination != "" {
		md["destination"] = p.Destination
	}
	if p.PaymentRef != "" {
		md["payment_ref"] = p.PaymentRef
	}
	w, err := o.ledger.BeginWithdrawal(ctx, p.AccountID, p.Amount, key, md)
	if err != nil {
		return nil, err
	}
	p.TxID = w.Transaction.ID
	ev, err := o.outbox.Enqueue(ctx, eventType, p.TxID, p)
	if err != nil {
		return nil, err
	}
	payoutsQueued.WithLabelValues(eventType).Inc()
	return &Payout{
		TransactionID: p.TxID,
		EventID:       ev.ID,
		AccountID:     p.AccountID,
		Amount:        p.Amount,
		Destination:   p.Destination,
		PaymentRef:    p.PaymentRef,
		Status:        PayoutPending,
	}, nil
}

// existing returns the recorded outcome of an already resolved bounty.
func (o *Orchestrator) existing(ctx context.Context, hold *escrow.Hold) (*Completion, error) {
	tx, _, err := o.ledger.IsResolved(ctx, hold.BountyID)
	if err != nil {
		return nil, err
	}
	return &Completion{Hold: hold, Transaction: tx, Replayed: true}, nil
}

func (o *Orchestrator) handleTransfer(ctx context.Context, ev *outbox.Event) error {
	var p payoutPayload
	if err := ev.Decode(&p); err != nil {
		return retry.Permanent(err)
	}
	return o.settle(ctx, p, func(ctx context.Context) (string, error) {
		tr, err := o.gateway.CreateTransfer(ctx, p.Destination, p.Amount, "payout:"+p.TxID)
		if err != nil {
			return "", err
		}
		return tr.ID, nil
	})
}

func (o *Orchestrator) handleChargeRefund(ctx context.Context, ev *outbox.Event) error {
	var p payoutPayload
	if err := ev.Decode(&p); err != nil {
		return retry.Permanent(err)
	}
	return o.settle(ctx, p, func(ctx context.Context) (string, error) {
		r, err := o.gateway.CreateRefund(ctx, p.PaymentRef, p.Amount, "refund:"+p.TxID)
		if err != nil {
			return "", err
		}
		return r.ID, nil
	})
}

// settle performs the gateway call for a pending withdrawal and records the
// processor reference. Non-retryable gateway errors fail the event at once.
func (o *Orchestrator) settle(ctx context.Context, p payoutPayload, call func(ctx context.Context) (string, error)) error {
	tx, err := o.ledger.GetTransaction(ctx, p.TxID)
	if err != nil {
		return err
	}
	if tx.Status != ledger.StatusPending {
		// Settled by an earlier attempt whose completion was not recorded.
		return nil
	}

	ref, err := call(ctx)
	if err != nil {
		payoutsSettled.WithLabelValues("error").Inc()
		if !apperr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	}
	if _, err := o.ledger.CompleteTransaction(ctx, p.TxID, ref); err != nil {
		return err
	}
	payoutsSettled.WithLabelValues("completed").Inc()
	o.logger.Info("payout settled", "tx_id", p.TxID, "account_id", p.AccountID, "external_ref", ref)
	return nil
}

// compensate runs in the transaction that parks the event as failed: the
// withdrawal is marked failed and its amount credited back.
func (o *Orchestrator) compensate(ctx context.Context, ev *outbox.Event, cause error) error {
	var p payoutPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	_, err := o.ledger.FailTransaction(ctx, p.TxID, cause.Error())
	if errors.Is(err, ledger.ErrTransactionFinal) {
		o.logger.Warn("payout already settled, nothing to compensate", "tx_id", p.TxID)
		return nil
	}
	if err != nil {
		return err
	}
	payoutsSettled.WithLabelValues("failed").Inc()
	return nil
}
