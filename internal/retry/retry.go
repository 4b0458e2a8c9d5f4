// Package retry provides bounded exponential backoff shared by the ledger's
// optimistic-lock loop and the outbox's rescheduling.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes a bounded retry loop.
type Policy struct {
	MaxAttempts int           // total calls, including the first
	BaseDelay   time.Duration // sleep before the second call; doubled afterwards
	MaxDelay    time.Duration // 0 = uncapped
	Jitter      bool          // +-25% randomisation of each sleep

	// RetryIf limits retries to matching errors. Nil retries everything
	// except PermanentError.
	RetryIf func(error) bool

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run calls fn until it succeeds, returns a non-retryable error, attempts run
// out, or ctx is done. The last error from fn is returned unwrapped.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		d := Backoff(attempt, p.BaseDelay, p.MaxDelay)
		if p.Jitter {
			d = jitter(d)
		}
		if serr := sleep(ctx, d); serr != nil {
			return serr
		}
	}
	return err
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Jitter: true}
	return p.Run(ctx, func(context.Context) error { return fn() })
}

// Backoff returns base * 2^n, capped at max when max > 0.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := base << uint(n)
	if d < base { // overflow
		d = max
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	j := d / 4
	return d - j + time.Duration(cryptoInt64n(int64(2*j+1)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
