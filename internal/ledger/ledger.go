// Package ledger tracks account balances and the append-only record of every
// movement of money.
//
// Every balance change is a version-guarded conditional write paired with
// exactly one ledger transaction row in the same storage transaction:
//
//  1. read (balance, version)
//  2. compute the new balance, rejecting overdrafts
//  3. UPDATE ... WHERE id = $1 AND version = $2
//  4. zero rows updated means another writer won: roll back and retry
//
// Retries are bounded (4 attempts, 100/200/400ms apart). After that the caller
// receives a retryable conflict.
package ledger

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/pagination"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/traces"
	"github.com/mbd888/bountypay/internal/txn"
)

var (
	ErrAccountNotFound     = apperr.New(apperr.KindNotFound, "account not found")
	ErrAccountExists       = apperr.New(apperr.KindConflict, "account already exists")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "ledger transaction not found")
	ErrInsufficientFunds   = apperr.New(apperr.KindInsufficientFunds, "insufficient funds")
	ErrZeroAmount          = apperr.New(apperr.KindValidation, "amount must be non-zero")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "amount must be positive")
	ErrBalanceOverflow     = apperr.New(apperr.KindValidation, "balance would overflow")
	ErrDuplicateDeposit    = apperr.New(apperr.KindConflict, "deposit already processed")
	ErrDuplicatePosting    = apperr.New(apperr.KindConflict, "duplicate ledger posting")
	ErrTransactionFinal    = apperr.New(apperr.KindConflict, "ledger transaction is already final")
	ErrNotWithdrawal       = apperr.New(apperr.KindValidation, "transaction is not a withdrawal")

	// ErrVersionConflict means another writer changed the account between the
	// read and the conditional write.
	ErrVersionConflict = apperr.Retryable(apperr.KindConflict, "account was modified concurrently")
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TypeDeposit     TxType = "deposit"
	TypeWithdrawal  TxType = "withdrawal"
	TypeEscrow      TxType = "escrow"
	TypeRelease     TxType = "release"
	TypeRefund      TxType = "refund"
	TypePlatformFee TxType = "platform_fee"
)

// TxStatus is the lifecycle state of a ledger transaction. Only
// pending -> completed|failed is permitted.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

// Account is the authoritative balance for one party.
type Account struct {
	ID                string    `json:"id"`
	Balance           int64     `json:"balance"`
	Version           int64     `json:"version"`
	ExternalAccountID string    `json:"externalAccountId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Transaction is one immutable record of a balance change.
type Transaction struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"accountId"`
	Type           TxType            `json:"type"`
	Amount         int64             `json:"amount"` // signed: credits positive, debits negative
	Status         TxStatus          `json:"status"`
	BountyID       string            `json:"bountyId,omitempty"`
	ExternalRef    string            `json:"externalRef,omitempty"`
	RelatedTxID    string            `json:"relatedTxId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	BalanceAfter   int64             `json:"balanceAfter"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Posting describes the ledger row written alongside a balance change.
type Posting struct {
	Type           TxType
	Status         TxStatus // defaults to completed
	BountyID       string
	ExternalRef    string
	RelatedTxID    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Result is the account state and ledger row produced by one mutation.
type Result struct {
	Account     *Account     `json:"account"`
	Transaction *Transaction `json:"transaction"`
}

// Store persists accounts and ledger transactions. Implementations run their
// statements in the transaction carried by ctx.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	SetExternalAccount(ctx context.Context, id, externalAccountID string, at time.Time) error

	// UpdateBalance writes newBalance only if the stored version equals
	// expectedVersion, incrementing the version. It reports whether a row
	// was updated.
	UpdateBalance(ctx context.Context, id string, newBalance, expectedVersion int64, at time.Time) (bool, error)

	InsertTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// SetTransactionStatus moves a transaction from one status to another,
	// reporting false when it was not in from.
	SetTransactionStatus(ctx context.Context, id string, from, to TxStatus, externalRef string, at time.Time) (bool, error)
	// ListTransactions returns up to limit transactions for accountID ordered
	// by (created_at, id) descending, starting after before when non-nil.
	ListTransactions(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	// FindBountyTerminal returns the release or refund row for bountyID, or nil.
	FindBountyTerminal(ctx context.Context, bountyID string) (*Transaction, error)
	// SumAmounts returns the sum of all transaction amounts for the account.
	SumAmounts(ctx context.Context, accountID string) (int64, error)
}

// DefaultRetryPolicy is the optimistic-lock retry schedule: 3 retries
// sleeping 100ms, 200ms and 400ms, without jitter.
var DefaultRetryPolicy = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   100 * time.Millisecond,
	RetryIf:     isRetryableConflict,
}

func isRetryableConflict(err error) bool {
	return apperr.Is(err, apperr.KindConflict) && apperr.IsRetryable(err)
}

// Ledger manages account balances.
type Ledger struct {
	store  Store
	txm    txn.Manager
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetryPolicy overrides the optimistic-lock retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) {
		if p.RetryIf == nil {
			p.RetryIf = isRetryableConflict
		}
		l.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over store, running storage transactions with txm.
func New(store Store, txm txn.Manager, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		txm:    txm,
		policy: DefaultRetryPolicy,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Atomically runs fn in one storage transaction, retrying the whole function
// on optimistic-lock conflicts. If ctx already carries a transaction, fn runs
// once inside it and conflicts propagate to the outermost caller.
func (l *Ledger) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.InTx(ctx) {
		return fn(ctx)
	}
	attempt := 0
	return l.policy.Run(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			occRetries.Inc()
		}
		return l.txm.Do(ctx, fn)
	})
}

// ApplyDelta adds delta (minor units, signed) to the account balance and
// records posting, retrying on concurrent modification.
func (l *Ledger) ApplyDelta(ctx context.Context, accountID string, delta int64, p Posting) (res *Result, err error) {
	if delta == 0 {
		return nil, ErrZeroAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.ApplyDelta",
		traces.AccountID(accountID), traces.Amount(delta), traces.TxType(string(p.Type)))
	defer func() { traces.End(span, err) }()

	err = l.Atomically(ctx, func(ctx context.Context) error {
		r, err := l.PostInTx(ctx, accountID, delta, p)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("ledger.ApplyDelta", err)
	}
	return res, nil
}

// PostInTx performs one guarded balance mutation and its ledger row inside the
// ambient storage transaction, without retrying. Callers composing several
// writes use it under Atomically.
func (l *Ledger) PostInTx(ctx context.Context, accountID string, delta int64, p Posting) (*Result, error) {
	if delta == 0 {
		return nil, ErrZeroAmount
	}
	done := observeOp(string(p.Type))
	defer done()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if delta > 0 && acct.Balance > math.MaxInt64-delta {
		return nil, ErrBalanceOverflow
	}
	newBalance := acct.Balance + delta
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	now := l.now()
	ok, err := l.store.UpdateBalance(ctx, accountID, newBalance, acct.Version, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		occConflicts.Inc()
		return nil, ErrVersionConflict
	}

	status := p.Status
	if status == "" {
		status = StatusCompleted
	}
	key := p.IdempotencyKey
	if key == "" {
		key = idgen.New()
	}
	tx := &Transaction{
		ID:             idgen.WithPrefix("tx_"),
		AccountID:      accountID,
		Type:           p.Type,
		Amount:         delta,
		Status:         status,
		BountyID:       p.BountyID,
		ExternalRef:    p.ExternalRef,
		RelatedTxID:    p.RelatedTxID,
		IdempotencyKey: key,
		Metadata:       p.Metadata,
		BalanceAfter:   newBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	acct.Balance = newBalance
	acct.Version++
	acct.UpdatedAt = now
	return &Result{Account: acct, Transaction: tx}, nil
}

// OpenAccount creates a zero-balance account. An empty id is generated.
func (l *Ledger) OpenAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		id = idgen.WithPrefix("acct_")
	}
	now := l.now()
	acct := &Account{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, apperr.Wrap("ledger.OpenAccount", err)
	}
	l.logger.Info("account opened", "account_id", id)
	return acct, nil
}

// EnsureAccount opens id unless it already exists.
func (l *Ledger) EnsureAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	acct, err = l.OpenAccount(ctx, id)
	if apperr.Is(err, apperr.KindConflict) {
		return l.store.GetAccount(ctx, id)
	}
	return acct, err
}

// GetAccount returns the current account state.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, apperr.Wrap("ledger.GetAccount", err)
	}
	return acct, nil
}

// LinkExternalAccount records the payout destination for accountID.
func (l *Ledger) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) (*Account, error) {
	if externalAccountID == "" {
		return nil, apperr.Validationf("external account id is required")
	}
	if err := l.store.SetExternalAccount(ctx, accountID, externalAccountID, l.now()); err != nil {
		return nil, apperr.Wrap("ledger.LinkExternalAccount", err)
	}
	return l.GetAccount(ctx, accountID)
}

// Deposit credits funds that arrived from outside the platform. externalRef
// (the processor's charge id) deduplicates repeated notifications.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount int64, externalRef, idempotencyKey string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	res, err := l.ApplyDelta(ctx, accountID, amount, Posting{
		Type:           TypeDeposit,
		ExternalRef:    externalRef,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("deposit credited", "account_id", accountID, "amount", amount, "tx_id", res.Transaction.ID)
	return res, nil
}

// BeginWithdrawal debits amount and records a pending withdrawal. The funds
// leave the platform once the payout completes; if it fails for good,
// FailTransaction returns them.
func (l *Ledger) BeginWithdrawal(ctx context.Context, accountID string, amount int64, idempotencyKey string, metadata map[string]string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.ApplyDelta(ctx, accountID, -amount, Posting{
		Type:           TypeWithdrawal,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
}

// CompleteTransaction marks a pending transaction completed, recording the
// processor's reference. Completing an already completed transaction is a no-op.
func (l *Ledger) CompleteTransaction(ctx context.Context, txID, externalRef string) (*Transaction, error) {
	var out *Transaction
	err := l.Atomically(ctx, func(ctx context.Context) error {
		ok, err := l.store.SetTransactionStatus(ctx, txID, StatusPending, StatusCompleted, externalRef, l.now())
		if err != nil {
			return err
		}
		tx, err := l.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if !ok && tx.Status != StatusCompleted {
			return ErrTransactionFinal
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("ledger.CompleteTransaction", err)
	}
	return out, nil
}

// FailTransaction marks a pending withdrawal failed and credits the amount
// back with a compensating refund row. Failing an already failed withdrawal
// returns the original compensation without posting again.
func (l *Ledger) FailTransaction(ctx context.Context, txID, reason string) (*Result, error) {
	var res *Result
	err := l.Atomically(ctx, func(ctx context.Context) error {
		tx, err := l.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Type != TypeWithdrawal {
			return ErrNotWithdrawal
		}
		if tx.Status == StatusFailed {
			acct, err := l.store.GetAccount(ctx, tx.AccountID)
			if err != nil {
				return err
			}
			res = &Result{Account: acct, Transaction: tx}
			return nil
		}
		ok, err := l.store.SetTransactionStatus(ctx, txID, StatusPending, StatusFailed, "", l.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrTransactionFinal
		}
		r, err := l.PostInTx(ctx, tx.AccountID, -tx.Amount, Posting{
			Type:           TypeRefund,
			RelatedTxID:    tx.ID,
			IdempotencyKey: "compensate:" + tx.ID,
			Metadata:       map[string]string{"reason": reason},
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("ledger.FailTransaction", err)
	}
	l.logger.Warn("withdrawal failed, funds returned",
		"tx_id", txID, "account_id", res.Account.ID, "reason", reason)
	return res, nil
}

// GetTransaction returns one ledger row.
func (l *Ledger) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, apperr.Wrap("ledger.GetTransaction", err)
	}
	return tx, nil
}

// History returns one page of an account's transactions, newest first.
// cursor is empty for the first page; next is empty on the last one.
func (l *Ledger) History(ctx context.Context, accountID, cursor string, limit int) (txs []*Transaction, next string, err error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, "", apperr.Wrap("ledger.History", err)
	}
	txs, err = l.store.ListTransactions(ctx, accountID, before, limit+1)
	if err != nil {
		return nil, "", apperr.Wrap("ledger.History", err)
	}
	txs, next = pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return txs, next, nil
}

// IsResolved returns the release or refund posting for bountyID, if any.
func (l *Ledger) IsResolved(ctx context.Context, bountyID string) (*Transaction, bool, error) {
	tx, err := l.store.FindBountyTerminal(ctx, bountyID)
	if err != nil {
		return nil, false, apperr.Wrap("ledger.IsResolved", err)
	}
	return tx, tx != nil, nil
}
