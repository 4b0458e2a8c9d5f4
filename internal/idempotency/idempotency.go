// Package idempotency deduplicates money-moving requests across every service
// instance.
//
// A request is identified by its key and a hash of its body. The first caller
// reserves the key, runs the operation and stores the JSON result; any later
// caller with the same key receives that stored result without re-running the
// operation. A reservation whose holder crashed is reclaimable once its lock
// expires. If the backing store is unreachable the operation is refused
// (fail closed) with a retryable error.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/txn"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultLockTimeout = time.Minute
)

var (
	ErrMissingKey  = apperr.New(apperr.KindValidation, "idempotency key is required")
	ErrKeyReused   = apperr.New(apperr.KindValidation, "idempotency key was already used for a different request")
	ErrInProgress  = apperr.Retryable(apperr.KindConflict, "a request with this idempotency key is in progress")
	ErrKeyNotFound = apperr.New(apperr.KindNotFound, "idempotency key not found")
)

// Status of a key record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Record is the persisted state of one key.
type Record struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"requestHash"`
	Status      Status          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	LockedUntil time.Time       `json:"lockedUntil"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Reservation is the result of Store.Reserve. Fresh means the caller owns the
// key; otherwise Record holds the existing state.
type Reservation struct {
	Fresh  bool
	Record *Record
}

// Store persists key records. Implementations must be shared by all
// instances for the guarantee to hold across replicas.
type Store interface {
	Reserve(ctx context.Context, key, requestHash string, lockFor, ttl time.Duration) (*Reservation, error)
	Complete(ctx context.Context, key string, response []byte) error
	Release(ctx context.Context, key string) error
	// Transactional reports whether writes join the storage transaction in ctx.
	Transactional() bool
}

// Guard runs operations at most once per idempotency key.
type Guard struct {
	store       Store
	ttl         time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets how long completed results are retained.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithLockTimeout sets how long an unfinished reservation blocks other callers.
func WithLockTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:       store,
		ttl:         DefaultTTL,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store returns the backing store.
func (g *Guard) Store() Store { return g.store }

// Execute runs fn unless key was already used. On a replay the stored result
// is decoded into T and replayed is true. request is hashed to detect a key
// being reused for a different payload.
//
// When the store is transactional and ctx carries a storage transaction, the
// reservation, fn's writes and the stored result commit atomically.
func Execute[T any](ctx context.Context, g *Guard, key string, request any, fn func(ctx context.Context) (T, error)) (result T, replayed bool, err error) {
	var zero T
	if strings.TrimSpace(key) == "" {
		return zero, false, ErrMissingKey
	}
	hash, err := HashRequest(request)
	if err != nil {
		return zero, false, apperr.Wrap("idempotency.hash", err)
	}

	res, err := g.store.Reserve(ctx, key, hash, g.lockTimeout, g.ttl)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return zero, false, err
		}
		return zero, false, apperr.Unavailable("idempotency.Reserve", err)
	}
	if !res.Fresh {
		rec := res.Record
		if rec.RequestHash != hash {
			return zero, false, ErrKeyReused
		}
		if rec.Status != StatusCompleted {
			return zero, false, ErrInProgress
		}
		var out T
		if err := json.Unmarshal(rec.Response, &out); err != nil {
			return zero, false, apperr.Wrap("idempotency.decode", err)
		}
		return out, true, nil
	}

	if !g.store.Transactional() {
		// A rolled-back transaction must not leave the key reserved.
		txn.OnRollback(ctx, func() { g.release(context.WithoutCancel(ctx), key) })
	}

	out, err := fn(ctx)
	if err != nil {
		g.release(context.WithoutCancel(ctx), key)
		return zero, false, err
	}

	body, err := json.Marshal(out)
	if err != nil {
		g.release(context.WithoutCancel(ctx), key)
		return zero, false, apperr.Wrap("idempotency.encode", err)
	}

	if g.store.Transactional() {
		if err := g.store.Complete(ctx, key, body); err != nil {
			return zero, false, apperr.Unavailable("idempotency.Complete", err)
		}
		return out, false, nil
	}

	txn.AfterCommit(ctx, func(ctx context.Context) {
		if err := g.store.Complete(ctx, key, body); err != nil {
			// The key stays in progress until its lock expires; the
			// operation itself is committed and guarded by state checks.
			g.logger.Error("failed to record idempotent result", "key", key, "error", err)
		}
	})
	return out, false, nil
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.store.Release(ctx, key); err != nil {
		g.logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}

// HashRequest returns a stable digest of the JSON encoding of v.
func HashRequest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveKey builds a deterministic key such as "release:bounty-1:acct-2".
func DeriveKey(operation string, parts ...string) string {
	return operation + ":" + strings.Join(parts, ":")
}
