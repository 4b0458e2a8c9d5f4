//go:build integration

package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/testutil"
	"github.com/mbd888/bountypay/internal/txn"
)

func TestPostgresStore_ReserveCompleteReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	g := NewGuard(store)
	tm := txn.NewPostgresManager(db)
	ctx := context.Background()
	var calls atomic.Int32

	run := func() (int, bool, error) {
		var out int
		var replayed bool
		err := tm.Do(ctx, func(ctx context.Context) error {
			var err error
			out, replayed, err = Execute(ctx, g, "refund:b9", "req", func(context.Context) (int, error) {
				calls.Add(1)
				return 42, nil
			})
			return err
		})
		return out, replayed, err
	}

	got, replayed, err := run()
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 42, got)

	got, replayed, err = run()
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostgresStore_RollbackDiscardsReservation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	g := NewGuard(store)
	tm := txn.NewPostgresManager(db)
	ctx := context.Background()

	err := tm.Do(ctx, func(ctx context.Context) error {
		_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestPostgresStore_ConcurrentTransactionsRunOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	g := NewGuard(NewPostgresStore(db))
	tm := txn.NewPostgresManager(db)
	var calls atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tm.Do(context.Background(), func(ctx context.Context) error {
				_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) {
					calls.Add(1)
					time.Sleep(10 * time.Millisecond)
					return 1, nil
				})
				return err
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	_, err := store.Reserve(ctx, "old", "h", time.Minute, time.Millisecond)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, "fresh", "h", time.Minute, time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
