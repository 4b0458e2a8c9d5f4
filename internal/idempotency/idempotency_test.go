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

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/txn"
)

type payout struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

func TestExecute_ReplaysStoredResult(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()
	var calls int

	run := func() (payout, bool, error) {
		return Execute(ctx, g, "release:b1", map[string]any{"bounty": "b1"}, func(context.Context) (payout, error) {
			calls++
			return payout{ID: "tx_1", Amount: 500}, nil
		})
	}

	first, replayed, err := run()
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := run()
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestExecute_DifferentPayloadRejected(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()
	op := func(context.Context) (payout, error) { return payout{ID: "x"}, nil }

	_, _, err := Execute(ctx, g, "k", map[string]int{"amount": 1}, op)
	require.NoError(t, err)

	_, _, err = Execute(ctx, g, "k", map[string]int{"amount": 2}, op)
	assert.ErrorIs(t, err, ErrKeyReused)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestExecute_MissingKey(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	_, _, err := Execute(context.Background(), g, "  ", nil, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestExecute_FailureReleasesKey(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuard(store)
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := store.Get("k")
	assert.False(t, ok, "failed attempt must not keep the key")

	got, replayed, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, got)
}

func TestExecute_InProgressIsRetryableConflict(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = Execute(ctx, g, "k", "req", func(context.Context) (int, error) {
			close(started)
			<-finish
			return 1, nil
		})
	}()
	<-started

	_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 2, nil })
	assert.ErrorIs(t, err, ErrInProgress)
	assert.True(t, apperr.IsRetryable(err))

	close(finish)
	<-done
}

func TestExecute_StaleLockIsTakenOver(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	g := NewGuard(store, WithLockTimeout(time.Second))

	_, err := store.Reserve(context.Background(), "k", mustHash(t, "req"), time.Second, time.Hour)
	require.NoError(t, err)

	// Holder crashed; after the lock lapses a new caller may run.
	now = now.Add(2 * time.Second)
	got, replayed, err := Execute(context.Background(), g, "k", "req", func(context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 3, got)
}

func TestExecute_ExpiredResultRunsAgain(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	g := NewGuard(store, WithTTL(time.Minute))
	var calls int
	op := func(context.Context) (int, error) { calls++; return calls, nil }

	_, _, err := Execute(context.Background(), g, "k", "req", op)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	got, replayed, err := Execute(context.Background(), g, "k", "req", op)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, got)
}

func TestExecute_RollbackForgetsResult(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuard(store)
	tm := txn.NewMemoryManager()

	err := tm.Do(context.Background(), func(ctx context.Context) error {
		_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		return errors.New("later step failed")
	})
	require.Error(t, err)

	_, ok := store.Get("k")
	assert.False(t, ok)
}

func TestExecute_ConcurrentCallersRunOnce(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	tm := txn.NewMemoryManager()
	var calls atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tm.Do(context.Background(), func(ctx context.Context) error {
				_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) {
					calls.Add(1)
					return 1, nil
				})
				return err
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

// nonTxStore behaves like a remote cache: writes do not join transactions.
type nonTxStore struct {
	*MemoryStore
	failReserve error
}

func (s *nonTxStore) Transactional() bool { return false }

func (s *nonTxStore) Reserve(ctx context.Context, key, hash string, lockFor, ttl time.Duration) (*Reservation, error) {
	if s.failReserve != nil {
		return nil, s.failReserve
	}
	// Strip the transaction so the memory store cannot register undo hooks.
	return s.MemoryStore.Reserve(context.Background(), key, hash, lockFor, ttl)
}

func (s *nonTxStore) Complete(_ context.Context, key string, response []byte) error {
	return s.MemoryStore.Complete(context.Background(), key, response)
}

func TestExecute_NonTransactionalCompletesAfterCommit(t *testing.T) {
	store := &nonTxStore{MemoryStore: NewMemoryStore()}
	g := NewGuard(store)
	tm := txn.NewMemoryManager()

	err := tm.Do(context.Background(), func(ctx context.Context) error {
		_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		rec, ok := store.Get("k")
		require.True(t, ok)
		assert.Equal(t, StatusInProgress, rec.Status, "result is recorded only after commit")
		return nil
	})
	require.NoError(t, err)

	rec, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestExecute_NonTransactionalReleasedOnRollback(t *testing.T) {
	store := &nonTxStore{MemoryStore: NewMemoryStore()}
	g := NewGuard(store)
	tm := txn.NewMemoryManager()

	err := tm.Do(context.Background(), func(ctx context.Context) error {
		_, _, err := Execute(ctx, g, "k", "req", func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		return errors.New("ledger write failed")
	})
	require.Error(t, err)

	_, ok := store.Get("k")
	assert.False(t, ok)
}

func TestExecute_StoreDownFailsClosed(t *testing.T) {
	store := &nonTxStore{MemoryStore: NewMemoryStore(), failReserve: errors.New("connection refused")}
	g := NewGuard(store)
	var ran bool

	_, _, err := Execute(context.Background(), g, "k", "req", func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	assert.False(t, ran)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.True(t, apperr.IsRetryable(err))
}

func TestDeriveKey(t *testing.T) {
	assert.Equal(t, "release:b1:acct_2", DeriveKey("release", "b1", "acct_2"))
}

func mustHash(t *testing.T, v any) string {
	t.Helper()
	h, err := HashRequest(v)
	require.NoError(t, err)
	return h
}
