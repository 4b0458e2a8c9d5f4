package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	g := NewGuard(store, WithTTL(time.Minute))
	op := func(context.Context) (int, error) { return 1, nil }

	_, _, err := Execute(context.Background(), g, "old", "req", op)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, _, err = Execute(context.Background(), g, "new", "req", op)
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	n, err := store.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok := store.Get("old")
	assert.False(t, ok)
	_, ok = store.Get("new")
	assert.True(t, ok)
}

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) DeleteExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	return 2, c.err
}

func TestSweeper_RunsAndStops(t *testing.T) {
	for _, expErr := range []error{nil, errors.New("db down")} {
		exp := &countingExpirer{err: expErr}
		s := NewSweeper(exp, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

		done := make(chan struct{})
		go func() {
			s.Start(context.Background())
			close(done)
		}()
		require.Eventually(t, func() bool { return exp.calls.Load() >= 2 }, time.Second, time.Millisecond)
		assert.True(t, s.Running())

		s.Stop()
		s.Stop()
		<-done
		assert.False(t, s.Running())
	}
}
