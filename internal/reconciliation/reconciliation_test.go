package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/outbox"
	"github.com/mbd888/bountypay/internal/txn"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFailed struct {
	n   int
	err error
}

func (f *fakeFailed) ListFailed(_ context.Context, _ int) ([]*outbox.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]*outbox.Event, f.n), nil
}

func seeded(t *testing.T) (*ledger.Ledger, *ledger.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, txn.NewMemoryManager(), ledger.WithLogger(discard()))
	for _, id := range []string{"alice", "bob"} {
		_, err := l.OpenAccount(ctx, id)
		require.NoError(t, err)
	}
	_, err := l.Deposit(ctx, "alice", 5000, "ch_1", "")
	require.NoError(t, err)
	w, err := l.BeginWithdrawal(ctx, "alice", 1200, "w1", nil)
	require.NoError(t, err)
	_, err = l.FailTransaction(ctx, w.Transaction.ID, "gateway down")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "bob", 300, "ch_2", "")
	require.NoError(t, err)
	return l, store
}

func TestRunAll_Consistent(t *testing.T) {
	_, store := seeded(t)
	r := NewRunner(store, &fakeFailed{}, discard())

	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Accounts)
	assert.Empty(t, report.Mismatches)
	assert.Zero(t, report.FailedEvents)
}

func TestRunAll_DetectsMismatch(t *testing.T) {
	_, store := seeded(t)
	ctx := context.Background()

	// Corrupt bob's balance without a posting.
	acct, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	ok, err := store.UpdateBalance(ctx, "bob", acct.Balance+50, acct.Version, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	report, err := NewRunner(store, &fakeFailed{n: 2}, discard()).RunAll(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, Mismatch{AccountID: "bob", Balance: 350, Postings: 300, Diff: 50}, report.Mismatches[0])
	assert.Equal(t, 2, report.FailedEvents)
}

func TestRunAll_NilEvents(t *testing.T) {
	_, store := seeded(t)
	report, err := NewRunner(store, nil, discard()).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestRunAll_EventListError(t *testing.T) {
	_, store := seeded(t)
	_, err := NewRunner(store, &fakeFailed{err: errors.New("db down")}, discard()).RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestTimer_RunsAndStops(t *testing.T) {
	_, store := seeded(t)
	timer := NewTimer(NewRunner(store, nil, discard()), 5*time.Millisecond, discard())
	assert.Nil(t, timer.Last())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	assert.Equal(t, 2, timer.Last().Accounts)

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
