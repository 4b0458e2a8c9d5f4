//go:build integration

package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/testutil"
	"github.com/mbd888/bountypay/internal/txn"
)

func setupPostgres(t *testing.T) (*Manager, *ledger.Ledger, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	l := ledger.New(ledger.NewPostgresStore(db), txn.NewPostgresManager(db),
		ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 8, BaseDelay: 5 * time.Millisecond, Jitter: true}))
	guard := idempotency.NewGuard(idempotency.NewPostgresStore(db))
	return NewManager(l, NewPostgresStore(db), guard), l, cleanup
}

func seed(t *testing.T, l *ledger.Ledger, id string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, id)
	require.NoError(t, err)
	if amount > 0 {
		_, err = l.Deposit(ctx, id, amount, "seed-"+id, "")
		require.NoError(t, err)
	}
}

func TestPostgresEscrow_HoldRelease(t *testing.T) {
	mgr, l, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, l, "payer", 10000)
	seed(t, l, "payee", 0)

	held, err := mgr.Hold(ctx, HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 4000})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, held.Hold.Status)

	got, err := mgr.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, held.Hold.HoldTxID, got.HoldTxID)
	assert.Nil(t, got.ResolvedAt)

	_, err = mgr.Release(ctx, ReleaseRequest{BountyID: "B1", PayeeID: "payee"})
	require.NoError(t, err)

	got, err = mgr.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, "payee", got.PayeeID)
	assert.NotNil(t, got.ResolvedAt)

	replay, err := mgr.Release(ctx, ReleaseRequest{BountyID: "B1", PayeeID: "payee"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = mgr.Refund(ctx, RefundRequest{BountyID: "B1", PayerID: "payer", IdempotencyKey: "late"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestPostgresEscrow_ConcurrentTerminalsOneWins(t *testing.T) {
	mgr, l, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, l, "payer", 1000)
	seed(t, l, "payee", 0)

	_, err := mgr.Hold(ctx, HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i)
			if i%2 == 0 {
				_, errs[i] = mgr.Release(ctx, ReleaseRequest{BountyID: "B1", PayeeID: "payee", IdempotencyKey: key})
			} else {
				_, errs[i] = mgr.Refund(ctx, RefundRequest{BountyID: "B1", PayerID: "payer", IdempotencyKey: key})
			}
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)

	payer, err := l.GetAccount(ctx, "payer")
	require.NoError(t, err)
	payee, err := l.GetAccount(ctx, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payer.Balance+payee.Balance)
}

func TestPostgresEscrow_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	mgr, l, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	seed(t, l, "payer", 10000)

	var wg sync.WaitGroup
	outs := make([]*Outcome, 6)
	errs := make([]error, 6)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = mgr.Hold(ctx, HoldRequest{BountyID: "B1", PayerID: "payer", Amount: 700, IdempotencyKey: "same"})
		}(i)
	}
	wg.Wait()

	var fresh int
	for i := range outs {
		require.NoError(t, errs[i])
		if !outs[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	payer, err := l.GetAccount(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(9300), payer.Balance)
}
