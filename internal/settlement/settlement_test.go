package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/outbox"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/txn"
)

type env struct {
	ledger     *ledger.Ledger
	escrow     *escrow.Manager
	dispatcher *outbox.Dispatcher
	gateway    *payments.FakeGateway
	orch       *Orchestrator
}

func newEnv(t *testing.T, autoPayout bool) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	txm := txn.NewMemoryManager()
	l := ledger.New(ledger.NewMemoryStore(), txm,
		ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}),
		ledger.WithLogger(logger))
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithLogger(logger))
	em := escrow.NewManager(l, escrow.NewMemoryStore(), guard, escrow.WithLogger(logger))
	d := outbox.NewDispatcher(outbox.NewMemoryStore(), txm, logger, outbox.Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Owner:      "test",
	})
	gw := payments.NewFakeGateway()
	return &env{
		ledger:     l,
		escrow:     em,
		dispatcher: d,
		gateway:    gw,
		orch:       New(l, em, d, gw, guard, Config{AutoPayout: autoPayout}, logger),
	}
}

func (e *env) account(t *testing.T, id string, balance int64, external string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.OpenAccount(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.ledger.Deposit(ctx, id, balance, "seed-"+id, "")
		require.NoError(t, err)
	}
	if external != "" {
		_, err = e.ledger.LinkExternalAccount(ctx, id, external)
		require.NoError(t, err)
	}
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	acct, err := e.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

// drain runs the dispatcher until the event reaches a terminal status.
func (e *env) drain(t *testing.T, eventID string) *outbox.Event {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		processed, err := e.dispatcher.ProcessOnce(ctx)
		require.NoError(t, err)
		ev, err := e.dispatcher.Get(ctx, eventID)
		require.NoError(t, err)
		if ev.Status == outbox.StatusCompleted || ev.Status == outbox.StatusFailed {
			return ev
		}
		if !processed {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("event %s never settled", eventID)
	return nil
}

// assertReconciles checks that every balance equals the sum of its postings.
func (e *env) assertReconciles(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		sum, err := e.ledger.Store().SumAmounts(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, e.balance(t, id), sum, "account %s", id)
	}
}

func TestWithdraw_GatewayFailureRestoresBalance(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "alice", 10000, "acct_ext_alice")
	e.gateway.FailWith(func(op string, attempt int) error {
		return apperr.External("fake", true, errors.New("gateway timeout"))
	})
	ctx := context.Background()

	p, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "alice", Amount: 2500, IdempotencyKey: "w1"})
	require.NoError(t, err)
	assert.Equal(t, PayoutPending, p.Status)
	assert.Equal(t, int64(7500), e.balance(t, "alice"))

	ev := e.drain(t, p.EventID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, 3, e.gateway.Calls())

	tx, err := e.ledger.GetTransaction(ctx, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, int64(10000), e.balance(t, "alice"), "balance back to its pre-withdrawal value")
	e.assertReconciles(t, "alice")

	// Replaying the old key returns the recorded payout without a new debit.
	again, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "alice", Amount: 2500, IdempotencyKey: "w1"})
	require.NoError(t, err)
	assert.Equal(t, p.TransactionID, again.TransactionID)
	assert.Equal(t, int64(10000), e.balance(t, "alice"))

	// A fresh key retries the withdrawal once the gateway recovers.
	e.gateway.FailWith(nil)
	retried, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "alice", Amount: 2500, IdempotencyKey: "w2"})
	require.NoError(t, err)
	ev = e.drain(t, retried.EventID)
	assert.Equal(t, outbox.StatusCompleted, ev.Status)
	assert.Equal(t, int64(7500), e.balance(t, "alice"))
	require.Len(t, e.gateway.Transfers(), 1)
	assert.Equal(t, "acct_ext_alice", e.gateway.Transfers()[0].Destination)
	e.assertReconciles(t, "alice")
}

func TestWithdraw_TransientFailuresThenSuccess(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "alice", 5000, "acct_ext")
	e.gateway.FailTransient(2)
	ctx := context.Background()

	p, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "alice", Amount: 1000, Reference: "inv-7"})
	require.NoError(t, err)

	ev := e.drain(t, p.EventID)
	assert.Equal(t, outbox.StatusCompleted, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)

	tx, err := e.ledger.GetTransaction(ctx, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	require.Len(t, e.gateway.Transfers(), 1)
	assert.Equal(t, e.gateway.Transfers()[0].ID, tx.ExternalRef)
	assert.Equal(t, int64(4000), e.balance(t, "alice"))

	// The reference derives the same key.
	again, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "alice", Amount: 1000, Reference: "inv-7"})
	require.NoError(t, err)
	assert.Equal(t, p.TransactionID, again.TransactionID)
	assert.Equal(t, int64(4000), e.balance(t, "alice"))
}

func TestWithdraw_PermanentGatewayErrorFailsAtOnce(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "alice", 5000, "acct_closed")
	e.gateway.FailWith(func(op string, attempt int) error {
		return apperr.External("fake", false, errors.New("destination account closed"))
	})

	p, err := e.orch.Withdraw(context.Background(), WithdrawRequest{AccountID: "alice", Amount: 1000, IdempotencyKey: "w"})
	require.NoError(t, err)

	ev := e.drain(t, p.EventID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, 1, e.gateway.Calls())
	assert.Equal(t, int64(5000), e.balance(t, "alice"))
}

func TestWithdraw_Validation(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "unlinked", 5000, "")
	e.account(t, "poor", 100, "acct_ext")
	ctx := context.Background()

	_, err := e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "unlinked", Amount: 100, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrNoPayoutAccount)

	_, err = e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "poor", Amount: 100})
	assert.ErrorIs(t, err, ErrWithdrawKeyNeeded)

	_, err = e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "poor", Amount: 0, IdempotencyKey: "k"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "poor", Amount: 500, IdempotencyKey: "k"})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	processed, err := e.dispatcher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a rejected withdrawal enqueues nothing")

	_, err = e.orch.Withdraw(ctx, WithdrawRequest{AccountID: "ghost", Amount: 1, IdempotencyKey: "k"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCompleteWork_ReleasesAndPaysOut(t *testing.T) {
	e := newEnv(t, true)
	e.account(t, "payer", 10000, "")
	e.account(t, "payee", 0, "acct_ext_payee")
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 4000})
	require.NoError(t, err)

	c, err := e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "payee"})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, c.Hold.Status)
	require.NotNil(t, c.Payout)
	assert.Equal(t, PayoutPending, c.Payout.Status)
	assert.Equal(t, int64(4000), c.Payout.Amount)
	assert.Equal(t, int64(0), e.balance(t, "payee"), "released funds are earmarked for the payout")

	ev := e.drain(t, c.Payout.EventID)
	assert.Equal(t, outbox.StatusCompleted, ev.Status)
	require.Len(t, e.gateway.Transfers(), 1)
	assert.Equal(t, "acct_ext_payee", e.gateway.Transfers()[0].Destination)
	assert.Equal(t, int64(4000), e.gateway.Transfers()[0].Amount)

	// A duplicate trigger with a new key exits early.
	dup, err := e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "payee", IdempotencyKey: "webhook-retry"})
	require.NoError(t, err)
	assert.True(t, dup.Replayed)
	assert.Equal(t, c.Transaction.ID, dup.Transaction.ID)
	assert.Len(t, e.gateway.Transfers(), 1)
	e.assertReconciles(t, "payer", "payee")
}

func TestCompleteWork_GatewayOutageKeepsRelease(t *testing.T) {
	e := newEnv(t, true)
	e.account(t, "payer", 10000, "")
	e.account(t, "payee", 0, "acct_ext_payee")
	e.gateway.FailWith(func(op string, attempt int) error {
		return apperr.External("fake", true, errors.New("503"))
	})
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 4000})
	require.NoError(t, err)
	c, err := e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "payee"})
	require.NoError(t, err)

	ev := e.drain(t, c.Payout.EventID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)

	hold, err := e.escrow.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, hold.Status, "the release is never reversed")
	assert.Equal(t, int64(4000), e.balance(t, "payee"), "funds stay with the payee on the platform")
	assert.Equal(t, int64(6000), e.balance(t, "payer"))
	e.assertReconciles(t, "payer", "payee")
}

func TestCompleteWork_WithoutExternalAccount(t *testing.T) {
	e := newEnv(t, true)
	e.account(t, "payer", 1000, "")
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 1000})
	require.NoError(t, err)

	// The payee account is opened on first completion.
	c, err := e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "newcomer"})
	require.NoError(t, err)
	assert.Nil(t, c.Payout)
	assert.Equal(t, int64(1000), e.balance(t, "newcomer"))

	processed, err := e.dispatcher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCompleteWork_Errors(t *testing.T) {
	e := newEnv(t, true)
	e.account(t, "payer", 1000, "")
	e.account(t, "payee", 0, "")
	ctx := context.Background()

	_, err := e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "missing", PayeeID: "payee"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = e.orch.CompleteWork(ctx, WorkCompleted{PayeeID: "payee"})
	assert.ErrorIs(t, err, ErrMissingBounty)

	_, err = e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 1000})
	require.NoError(t, err)
	_, err = e.orch.CancelWork(ctx, WorkCancelled{BountyID: "B1", PayerID: "payer", Reason: "scope change"})
	require.NoError(t, err)

	_, err = e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "payee"})
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	assert.Equal(t, int64(0), e.balance(t, "payee"))
}

func TestCompleteWork_OtherPayeeAfterReleaseConflicts(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "payer", 1000, "")
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 1000})
	require.NoError(t, err)
	_, err = e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "alice"})
	require.NoError(t, err)

	_, err = e.orch.CompleteWork(ctx, WorkCompleted{BountyID: "B1", PayeeID: "mallory"})
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, int64(1000), e.balance(t, "alice"))

	_, err = e.ledger.GetAccount(ctx, "mallory")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "no account opened for the rejected payee")
}

func TestDeposit_CreditsOncePerKey(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "alice", 0, "")
	ctx := context.Background()

	first, err := e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 1000, ExternalRef: "ch_1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	_, err = e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 1000, ExternalRef: "ch_2", IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)

	again, err := e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 1000, ExternalRef: "ch_1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.Equal(t, int64(1000), again.Account.Balance)

	// Another key for an already credited charge is a duplicate.
	_, err = e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 1000, ExternalRef: "ch_1", IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateDeposit)

	// Without a key the charge id identifies the notification.
	_, err = e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 500, ExternalRef: "ch_3"})
	require.NoError(t, err)
	dup, err := e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 500, ExternalRef: "ch_3"})
	require.NoError(t, err)
	assert.True(t, dup.Replayed)
	_, err = e.orch.Deposit(ctx, DepositRequest{AccountID: "alice", Amount: 700, ExternalRef: "ch_3"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateDeposit)

	assert.Equal(t, int64(1500), e.balance(t, "alice"))
	e.assertReconciles(t, "alice")
}

func TestCancelWork_RefundsToOriginalCharge(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "payer", 10000, "")
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 4000})
	require.NoError(t, err)

	c, err := e.orch.CancelWork(ctx, WorkCancelled{BountyID: "B1", PayerID: "payer", Reason: "cancelled", PaymentRef: "ch_123"})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, c.Hold.Status)
	require.NotNil(t, c.Payout)
	assert.Equal(t, "ch_123", c.Payout.PaymentRef)

	ev := e.drain(t, c.Payout.EventID)
	assert.Equal(t, outbox.StatusCompleted, ev.Status)
	require.Len(t, e.gateway.Refunds(), 1)
	assert.Equal(t, "ch_123", e.gateway.Refunds()[0].PaymentRef)
	assert.Equal(t, int64(4000), e.gateway.Refunds()[0].Amount)
	assert.Equal(t, int64(6000), e.balance(t, "payer"))

	dup, err := e.orch.CancelWork(ctx, WorkCancelled{BountyID: "B1", PayerID: "payer", IdempotencyKey: "again"})
	require.NoError(t, err)
	assert.True(t, dup.Replayed)
	assert.Len(t, e.gateway.Refunds(), 1)
	e.assertReconciles(t, "payer")
}

func TestCancelWork_InternalRefundOnly(t *testing.T) {
	e := newEnv(t, false)
	e.account(t, "payer", 3000, "")
	ctx := context.Background()

	_, err := e.escrow.Hold(ctx, escrow.HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 3000})
	require.NoError(t, err)

	c, err := e.orch.CancelWork(ctx, WorkCancelled{BountyID: "B1", PayerID: "payer"})
	require.NoError(t, err)
	assert.Nil(t, c.Payout)
	assert.Equal(t, int64(3000), e.balance(t, "payer"))

	_, err = e.orch.CancelWork(ctx, WorkCancelled{BountyID: "B1", PayerID: "intruder"})
	assert.True(t, apperr.Is(err, apperr.KindConflict) || apperr.Is(err, apperr.KindValidation))
}
