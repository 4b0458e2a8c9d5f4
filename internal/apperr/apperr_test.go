package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = New(KindNotFound, "thing not found")

func TestWrap_PreservesKindAndSentinel(t *testing.T) {
	err := Wrap("store.Get", errSentinel)

	assert.True(t, Is(err, KindNotFound))
	assert.True(t, errors.Is(err, errSentinel))
	assert.Equal(t, "store.Get: thing not found", err.Error())
}

func TestWrap_KeepsExistingOp(t *testing.T) {
	inner := Wrap("inner", errSentinel)
	outer := Wrap("outer", inner)
	assert.Equal(t, inner, outer)
}

func TestWrap_ThroughFmtErrorf(t *testing.T) {
	err := fmt.Errorf("lookup failed: %w", Wrap("op", errSentinel))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, errSentinel))
}

func TestWrap_ContextDeadlineIsRetryableUnavailable(t *testing.T) {
	err := Wrap("ledger.ApplyDelta", context.DeadlineExceeded)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWrap_Unclassified(t *testing.T) {
	err := Wrap("op", errors.New("boom"))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestRetryableConflictVsTerminalConflict(t *testing.T) {
	occ := Retryable(KindConflict, "version conflict")
	dup := New(KindConflict, "already resolved")

	assert.True(t, IsRetryable(occ))
	assert.False(t, IsRetryable(dup))
	assert.False(t, errors.Is(occ, dup))
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:        "validation_error",
		KindNotFound:          "not_found",
		KindConflict:          "conflict",
		KindInsufficientFunds: "insufficient_funds",
		KindExternalService:   "external_service_error",
		KindUnavailable:       "unavailable",
		KindInternal:          "internal_error",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

func TestIs_Nil(t *testing.T) {
	assert.False(t, Is(nil, KindInternal))
}
