package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Expirer is implemented by stores that keep records until explicitly
// removed. Redis expires keys on its own and does not need sweeping.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically deletes expired idempotency records.
type Sweeper struct {
	store    Expirer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper. A non-positive interval means one hour.
func NewSweeper(store Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in idempotency sweeper", "panic", fmt.Sprint(r))
		}
	}()
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		s.logger.Warn("idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired idempotency keys removed", "count", n)
	}
}
