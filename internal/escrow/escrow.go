// Package escrow holds a payer's funds against a bounty until the work is
// released to a payee or refunded.
//
// Each bounty moves through none -> held -> released | refunded. Release and
// refund are mutually exclusive: the held -> terminal update is conditional on
// the current status, and the ledger refuses a second terminal posting for the
// same bounty. Every entry point runs behind an idempotency key, so a retried
// call returns the stored outcome instead of moving money twice.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/traces"
)

var (
	ErrHoldNotFound    = apperr.New(apperr.KindNotFound, "escrow hold not found")
	ErrHoldExists      = apperr.New(apperr.KindConflict, "bounty already has an escrow hold")
	ErrAlreadyResolved = apperr.New(apperr.KindConflict, "escrow hold already released or refunded")
	ErrPayerMismatch   = apperr.New(apperr.KindValidation, "payer does not match the escrow hold")
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "amount must be positive")
	ErrMissingBounty   = apperr.New(apperr.KindValidation, "bounty id is required")
	ErrMissingParty    = apperr.New(apperr.KindValidation, "payer and payee ids are required")
)

// Status represents the state of an escrow hold.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Hold is the escrow record for one bounty.
type Hold struct {
	BountyID       string     `json:"bountyId"`
	PayerID        string     `json:"payerId"`
	PayeeID        string     `json:"payeeId,omitempty"`
	Amount         int64      `json:"amount"`
	Status         Status     `json:"status"`
	HoldTxID       string     `json:"holdTxId"`
	ResolutionTxID string     `json:"resolutionTxId,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the hold has been released or refunded.
func (h *Hold) IsTerminal() bool {
	return h.Status == StatusReleased || h.Status == StatusRefunded
}

// Store persists escrow holds. Implementations run in the transaction carried
// by ctx.
type Store interface {
	// Create inserts a new hold, failing with ErrHoldExists if the bounty
	// already has one.
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, bountyID string) (*Hold, error)
	// Resolve moves a held hold to a terminal status. It reports false when
	// the hold was no longer held.
	Resolve(ctx context.Context, bountyID string, to Status, payeeID, resolutionTxID, reason string, at time.Time) (bool, error)
	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error)
}

// HoldRequest contains the parameters for holding funds against a bounty.
type HoldRequest struct {
	BountyID       string `json:"bountyId"`
	PayerID        string `json:"payerId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
}

// ReleaseRequest pays a held bounty out to the payee.
type ReleaseRequest struct {
	BountyID       string `json:"bountyId"`
	PayeeID        string `json:"payeeId"`
	IdempotencyKey string `json:"-"`
}

// RefundRequest returns a held bounty to its payer.
type RefundRequest struct {
	BountyID       string `json:"bountyId"`
	PayerID        string `json:"payerId"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"-"`
}

// Outcome is the result of an escrow operation. Replayed is set when the
// result came from the idempotency store rather than a fresh execution.
type Outcome struct {
	Hold           *Hold               `json:"hold"`
	Transaction    *ledger.Transaction `json:"transaction"`
	FeeTransaction *ledger.Transaction `json:"feeTransaction,omitempty"`
	Replayed       bool                `json:"replayed"`
}

// Manager implements the escrow state machine on top of the ledger.
type Manager struct {
	ledger *ledger.Ledger
	store  Store
	guard  *idempotency.Guard
	logger *slog.Logger
	now    func() time.Time

	platformAccount string
	feeBPS          int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlatformFee takes bps basis points of every release into accountID.
func WithPlatformFee(accountID string, bps int) Option {
	return func(m *Manager) {
		m.platformAccount = accountID
		m.feeBPS = bps
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an escrow manager.
func NewManager(l *ledger.Ledger, store Store, guard *idempotency.Guard, opts ...Option) *Manager {
	m := &Manager{
		ledger: l,
		store:  store,
		guard:  guard,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hold debits the payer and records a held escrow for the bounty.
func (m *Manager) Hold(ctx context.Context, req HoldRequest) (out *Outcome, err error) {
	if req.BountyID == "" {
		return nil, ErrMissingBounty
	}
	if req.PayerID == "" {
		return nil, ErrMissingParty
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	key, derived := req.IdempotencyKey, false
	if key == "" {
		key, derived = idempotency.DeriveKey("hold", req.BountyID, req.PayerID), true
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.BountyID(req.BountyID), traces.AccountID(req.PayerID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	out, err = m.run(ctx, "hold", key, req, func(ctx context.Context) (*Outcome, error) {
		if _, err := m.store.Get(ctx, req.BountyID); err == nil {
			return nil, ErrHoldExists
		} else if !errors.Is(err, ErrHoldNotFound) {
			return nil, err
		}

		res, err := m.ledger.PostInTx(ctx, req.PayerID, -req.Amount, ledger.Posting{
			Type:           ledger.TypeEscrow,
			BountyID:       req.BountyID,
			IdempotencyKey: key,
		})
		if errors.Is(err, ledger.ErrDuplicatePosting) {
			return nil, ErrHoldExists
		}
		if err != nil {
			return nil, err
		}

		now := m.now()
		h := &Hold{
			BountyID:  req.BountyID,
			PayerID:   req.PayerID,
			Amount:    req.Amount,
			Status:    StatusHeld,
			HoldTxID:  res.Transaction.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.Create(ctx, h); err != nil {
			return nil, err
		}
		return &Outcome{Hold: h, Transaction: res.Transaction}, nil
	})
	if derived && errors.Is(err, idempotency.ErrKeyReused) {
		// The derived key names the bounty, so a mismatch is a second hold.
		return nil, apperr.Wrap("escrow.hold", ErrHoldExists)
	}
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		m.logger.Info("escrow held", "bounty_id", req.BountyID, "payer_id", req.PayerID, "amount", req.Amount)
	}
	return out, nil
}

// Release credits the payee with the held amount, less the platform fee if
// one is configured.
func (m *Manager) Release(ctx context.Context, req ReleaseRequest) (out *Outcome, err error) {
	if req.BountyID == "" {
		return nil, ErrMissingBounty
	}
	if req.PayeeID == "" {
		return nil, ErrMissingParty
	}
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey("release", req.BountyID, req.PayeeID)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.BountyID(req.BountyID), traces.AccountID(req.PayeeID))
	defer func() { traces.End(span, err) }()

	out, err = m.run(ctx, "release", key, req, func(ctx context.Context) (*Outcome, error) {
		h, err := m.heldHold(ctx, req.BountyID)
		if err != nil {
			return nil, err
		}

		fee := money.Fee(h.Amount, m.feeBPS)
		if m.platformAccount == "" || fee >= h.Amount {
			fee = 0
		}
		res, err := m.ledger.PostInTx(ctx, req.PayeeID, h.Amount-fee, ledger.Posting{
			Type:           ledger.TypeRelease,
			BountyID:       h.BountyID,
			RelatedTxID:    h.HoldTxID,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, terminalErr(err)
		}
		out := &Outcome{Transaction: res.Transaction}

		if fee > 0 {
			feeRes, err := m.ledger.PostInTx(ctx, m.platformAccount, fee, ledger.Posting{
				Type:           ledger.TypePlatformFee,
				BountyID:       h.BountyID,
				RelatedTxID:    h.HoldTxID,
				IdempotencyKey: key + ":fee",
			})
			if err != nil {
				return nil, err
			}
			out.FeeTransaction = feeRes.Transaction
		}

		out.Hold, err = m.resolve(ctx, h, StatusReleased, req.PayeeID, res.Transaction.ID, "")
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		m.logger.Info("escrow released", "bounty_id", req.BountyID, "payee_id", req.PayeeID,
			"amount", out.Transaction.Amount)
	}
	return out, nil
}

// Refund credits the held amount back to the payer.
func (m *Manager) Refund(ctx context.Context, req RefundRequest) (out *Outcome, err error) {
	if req.BountyID == "" {
		return nil, ErrMissingBounty
	}
	if req.PayerID == "" {
		return nil, ErrMissingParty
	}
	key, derived := req.IdempotencyKey, false
	if key == "" {
		key, derived = idempotency.DeriveKey("refund", req.BountyID, req.PayerID), true
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.BountyID(req.BountyID), traces.AccountID(req.PayerID))
	defer func() { traces.End(span, err) }()

	out, err = m.run(ctx, "refund", key, req, func(ctx context.Context) (*Outcome, error) {
		h, err := m.heldHold(ctx, req.BountyID)
		if err != nil {
			return nil, err
		}
		if h.PayerID != req.PayerID {
			return nil, ErrPayerMismatch
		}

		res, err := m.ledger.PostInTx(ctx, h.PayerID, h.Amount, ledger.Posting{
			Type:           ledger.TypeRefund,
			BountyID:       h.BountyID,
			RelatedTxID:    h.HoldTxID,
			IdempotencyKey: key,
			Metadata:       reasonMetadata(req.Reason),
		})
		if err != nil {
			return nil, terminalErr(err)
		}

		resolved, err := m.resolve(ctx, h, StatusRefunded, "", res.Transaction.ID, req.Reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{Hold: resolved, Transaction: res.Transaction}, nil
	})
	if derived && errors.Is(err, idempotency.ErrKeyReused) {
		return nil, apperr.Wrap("escrow.refund", ErrAlreadyResolved)
	}
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		m.logger.Info("escrow refunded", "bounty_id", req.BountyID, "payer_id", req.PayerID, "reason", req.Reason)
	}
	return out, nil
}

// Get returns the hold for a bounty.
func (m *Manager) Get(ctx context.Context, bountyID string) (*Hold, error) {
	h, err := m.store.Get(ctx, bountyID)
	if err != nil {
		return nil, apperr.Wrap("escrow.Get", err)
	}
	return h, nil
}

// ListByPayer returns a payer's holds, newest first.
func (m *Manager) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.ListByPayer(ctx, payerID, limit)
}

// IsAlreadyReleased reports whether the ledger holds a release posting for
// the bounty. It reads the ledger rather than the hold record so that it
// agrees with the storage-level uniqueness backstop.
func (m *Manager) IsAlreadyReleased(ctx context.Context, bountyID string) (bool, error) {
	tx, ok, err := m.ledger.IsResolved(ctx, bountyID)
	if err != nil {
		return false, err
	}
	return ok && tx.Type == ledger.TypeRelease, nil
}

// run executes fn once per idempotency key inside a single storage
// transaction, retried on optimistic-lock conflicts.
func (m *Manager) run(ctx context.Context, op, key string, request any, fn func(ctx context.Context) (*Outcome, error)) (*Outcome, error) {
	var out *Outcome
	var replayed bool
	err := m.ledger.Atomically(ctx, func(ctx context.Context) error {
		var err error
		out, replayed, err = idempotency.Execute(ctx, m.guard, key, request, fn)
		return err
	})
	if err != nil {
		escrowOps.WithLabelValues(op, outcomeLabel(err)).Inc()
		return nil, apperr.Wrap("escrow."+op, err)
	}
	if replayed {
		escrowOps.WithLabelValues(op, "replayed").Inc()
		out.Replayed = true
		return out, nil
	}
	escrowOps.WithLabelValues(op, "ok").Inc()
	return out, nil
}

func (m *Manager) heldHold(ctx context.Context, bountyID string) (*Hold, error) {
	h, err := m.store.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusHeld {
		return nil, ErrAlreadyResolved
	}
	return h, nil
}

func (m *Manager) resolve(ctx context.Context, h *Hold, to Status, payeeID, txID, reason string) (*Hold, error) {
	now := m.now()
	ok, err := m.store.Resolve(ctx, h.BountyID, to, payeeID, txID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}
	cp := *h
	cp.Status = to
	cp.PayeeID = payeeID
	cp.ResolutionTxID = txID
	cp.Reason = reason
	cp.UpdatedAt = now
	cp.ResolvedAt = &now
	return &cp, nil
}

// terminalErr maps the ledger's terminal-posting backstop onto the escrow
// conflict: another release or refund for this bounty won the race.
func terminalErr(err error) error {
	if errors.Is(err, ledger.ErrDuplicatePosting) {
		return ErrAlreadyResolved
	}
	return err
}

func reasonMetadata(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}

func outcomeLabel(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "invalid"
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "error"
	}
}
