package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/traces"
	"github.com/mbd888/bountypay/internal/txn"
)

// Handler performs the side effect for one event. Returning an error
// schedules a retry; wrap it with retry.Permanent to fail the event at once.
type Handler func(ctx context.Context, ev *Event) error

// FailureHandler runs in the same storage transaction that marks an event
// failed, so compensation commits together with the terminal status.
type FailureHandler func(ctx context.Context, ev *Event, cause error) error

// Config tunes the dispatcher.
type Config struct {
	Workers      int
	PollInterval time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Lease        time.Duration
	Owner        string // lease owner prefix; defaults to hostname:pid
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		MaxRetries:   5,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Minute,
		Lease:        30 * time.Second,
	}
}

var errLeaseLost = errors.New("outbox: lease lost")

// Dispatcher appends events and runs the worker pool that delivers them.
type Dispatcher struct {
	store  Store
	txm    txn.Manager
	cfg    Config
	logger *slog.Logger
	owner  string

	mu        sync.RWMutex
	handlers  map[string]Handler
	onFailure map[string]FailureHandler

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Zero config fields take DefaultConfig values.
func NewDispatcher(store Store, txm txn.Manager, logger *slog.Logger, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	owner := cfg.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return &Dispatcher{
		store:     store,
		txm:       txm,
		cfg:       cfg,
		logger:    logger,
		owner:     owner,
		handlers:  make(map[string]Handler),
		onFailure: make(map[string]FailureHandler),
		stop:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Register sets the handler for eventType.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

// OnFailure sets the handler run when an eventType event fails for good.
func (d *Dispatcher) OnFailure(eventType string, h FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure[eventType] = h
}

// Enqueue appends an event in the storage transaction carried by ctx. It is
// due immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, eventType, aggregateID string, payload any) (*Event, error) {
	if eventType == "" || aggregateID == "" {
		return nil, ErrInvalidEvent
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap("outbox.Enqueue", err)
	}
	now := d.now()
	ev := &Event{
		ID:          idgen.Ordered(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     body,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	if err := d.store.Insert(ctx, ev); err != nil {
		return nil, apperr.Wrap("outbox.Enqueue", err)
	}
	eventsEnqueued.WithLabelValues(eventType).Inc()
	return ev, nil
}

// Get returns an event by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Event, error) {
	return d.store.Get(ctx, id)
}

// ListFailed returns events parked as failed, oldest first.
func (d *Dispatcher) ListFailed(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.store.ListByStatus(ctx, StatusFailed, limit)
}

// Requeue returns a failed event to the queue with a fresh retry budget.
// This is an operator action; the dispatcher never does it on its own.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (*Event, error) {
	ok, err := d.store.Requeue(ctx, id, d.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := d.store.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFailed
	}
	d.logger.Warn("outbox event requeued", "event_id", id)
	return d.store.Get(ctx, id)
}

// Running reports whether the worker pool is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the worker pool until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	d.logger.Info("outbox dispatcher started", "workers", d.cfg.Workers, "owner", d.owner)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, fmt.Sprintf("%s/%d", d.owner, worker))
		}(i)
	}
	wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

// Stop signals the worker pool to stop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Dispatcher) work(ctx context.Context, owner string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.drain(ctx, owner)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain processes due events until none remain.
func (d *Dispatcher) drain(ctx context.Context, owner string) {
	for ctx.Err() == nil {
		processed, err := d.safeProcessOne(ctx, owner)
		if err != nil {
			d.logger.Warn("outbox claim failed", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

func (d *Dispatcher) safeProcessOne(ctx context.Context, owner string) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in outbox worker", "panic", fmt.Sprint(r))
			processed, err = false, fmt.Errorf("worker panic: %v", r)
		}
	}()
	return d.processOne(ctx, owner)
}

// ProcessOnce claims and handles at most one due event. It reports whether an
// event was handled.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (bool, error) {
	return d.processOne(ctx, d.owner)
}

func (d *Dispatcher) processOne(ctx context.Context, owner string) (bool, error) {
	ev, err := d.store.Claim(ctx, owner, d.now(), d.cfg.Lease)
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}
	d.handle(ctx, ev, owner)
	return true, nil
}

func (d *Dispatcher) handle(ctx context.Context, ev *Event, owner string) {
	logger := d.logger.With("event_id", ev.ID, "event_type", ev.Type, "aggregate_id", ev.AggregateID)
	ctx, span := traces.StartSpan(ctx, "outbox.handle", traces.EventID(ev.ID), traces.EventType(ev.Type))

	d.mu.RLock()
	h := d.handlers[ev.Type]
	d.mu.RUnlock()

	var herr error
	start := time.Now()
	if h == nil {
		herr = retry.Permanent(fmt.Errorf("no handler registered for event type %q", ev.Type))
	} else {
		herr = d.invoke(ctx, h, ev, owner)
	}
	handlerDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	defer func() { traces.End(span, herr) }()

	// Record the outcome even if shutdown cancelled ctx mid-handler.
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	if errors.Is(herr, errLeaseLost) {
		logger.Warn("lease lost while handling event; another worker owns it")
		eventsProcessed.WithLabelValues(ev.Type, "lease_lost").Inc()
		return
	}

	if herr == nil {
		ok, err := d.store.Complete(ctx, ev.ID, owner, d.now())
		switch {
		case err != nil:
			logger.Error("failed to mark event completed", "error", err)
		case !ok:
			logger.Warn("event completed after its lease was lost")
		default:
			eventsProcessed.WithLabelValues(ev.Type, "completed").Inc()
			logger.Debug("event completed", "retry_count", ev.RetryCount)
		}
		return
	}

	if interrupted {
		d.release(ctx, logger, ev, owner, herr)
		return
	}
	d.recordFailure(ctx, logger, ev, owner, herr)
}

// release hands an event interrupted by shutdown back to the queue, due now,
// without spending a retry.
func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, ev *Event, owner string, cause error) {
	ok, err := d.store.Reschedule(ctx, ev.ID, owner, ev.RetryCount, d.now(), truncateError(cause))
	switch {
	case err != nil:
		logger.Error("failed to release interrupted event", "error", err)
	case !ok:
		logger.Warn("could not release interrupted event, lease lost")
	default:
		eventsProcessed.WithLabelValues(ev.Type, "interrupted").Inc()
		logger.Info("event interrupted by shutdown, released for retry", "retry_count", ev.RetryCount)
	}
}

// invoke runs h with panic isolation, extending the lease while it works.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev *Event, owner string) (err error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.keepLease(hctx, ev.ID, owner, done, func() {
			lost.Store(true)
			cancel()
		})
	}()
	defer func() {
		close(done)
		wg.Wait()
		if lost.Load() {
			err = errLeaseLost
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(hctx, ev)
}

func (d *Dispatcher) keepLease(ctx context.Context, id, owner string, done <-chan struct{}, onLost func()) {
	interval := d.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.store.ExtendLease(ctx, id, owner, d.now().Add(d.cfg.Lease))
			if err != nil {
				d.logger.Warn("failed to extend outbox lease", "event_id", id, "error", err)
				continue
			}
			if !ok {
				onLost()
				return
			}
		}
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, logger *slog.Logger, ev *Event, owner string, cause error) {
	retryCount := ev.RetryCount + 1
	msg := truncateError(cause)

	if retry.IsPermanent(cause) || retryCount >= d.cfg.MaxRetries {
		d.mu.RLock()
		fh := d.onFailure[ev.Type]
		d.mu.RUnlock()

		err := d.txm.Do(ctx, func(ctx context.Context) error {
			ok, err := d.store.Fail(ctx, ev.ID, owner, retryCount, msg, d.now())
			if err != nil {
				return err
			}
			if !ok {
				return errLeaseLost
			}
			if fh != nil {
				return fh(ctx, ev, cause)
			}
			return nil
		})
		if err != nil {
			// The event stays processing; it is reclaimed when the lease
			// lapses and the failure path runs again.
			logger.Error("failed to park event as failed", "error", err, "cause", msg)
			return
		}
		eventsProcessed.WithLabelValues(ev.Type, "failed").Inc()
		logger.Error("event failed permanently, manual remediation required",
			"retry_count", retryCount, "error", msg)
		return
	}

	next := d.now().Add(retry.Backoff(retryCount, d.cfg.BaseDelay, d.cfg.MaxDelay))
	ok, err := d.store.Reschedule(ctx, ev.ID, owner, retryCount, next, msg)
	switch {
	case err != nil:
		logger.Error("failed to reschedule event", "error", err)
	case !ok:
		logger.Warn("could not reschedule event, lease lost")
	default:
		eventsProcessed.WithLabelValues(ev.Type, "retried").Inc()
		logger.Warn("event handler failed, will retry",
			"retry_count", retryCount, "next_retry_at", next, "error", msg)
	}
}
