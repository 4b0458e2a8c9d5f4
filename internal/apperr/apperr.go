// Package apperr defines the closed error taxonomy shared by every money-moving
// component. Callers classify failures with Is/KindOf, never by message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is one of a fixed set of failure classes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInsufficientFunds
	KindExternalService
	KindUnavailable
)

// String returns the snake_case name used in API responses and metric labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindExternalService:
		return "external_service_error"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "ledger.ApplyDelta"
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind and Msg, so package sentinels
// keep working through errors.Is after being wrapped with an Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg && (t.Op == "" || t.Op == e.Op)
}

// New returns a sentinel-style error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Retryable: kind == KindUnavailable}
}

// Retryable returns a Conflict or Unavailable error that callers may retry.
func Retryable(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Retryable: true}
}

// Wrap attaches op to err, preserving its classification. Unclassified errors
// become KindInternal; context cancellation becomes a retryable KindUnavailable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op != "" {
			return err
		}
		cp := *ae
		cp.Op = op
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnavailable, Op: op, Msg: "request timed out", Retryable: true, Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a dependency failure (store unreachable, timeout).
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Msg: "dependency unavailable", Retryable: true, Err: err}
}

// External wraps a payment gateway failure.
func External(op string, retryable bool, err error) error {
	return &Error{Kind: KindExternalService, Op: op, Msg: "payment gateway error", Retryable: retryable, Err: err}
}

// KindOf returns the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may safely retry err.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
