// Package outbox records side effects in the same storage transaction as the
// state change that requires them, then delivers them asynchronously.
//
// Delivery is a claim-and-lease task queue. A worker claims one due event with
// a single conditional update (pending -> processing) that stamps its owner id
// and a lease expiry. While the handler runs the lease is extended; if the
// worker dies, any worker may reclaim the event once the lease lapses. Failed
// attempts are rescheduled with exponential backoff until MaxRetries, after
// which the event is parked as failed for manual remediation.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
)

var (
	ErrEventNotFound = apperr.New(apperr.KindNotFound, "outbox event not found")
	ErrNotFailed     = apperr.New(apperr.KindConflict, "only failed events can be requeued")
	ErrInvalidEvent  = apperr.New(apperr.KindValidation, "event type and aggregate id are required")
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is one unit of deferred work.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	AggregateID    string          `json:"aggregateId"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retryCount"`
	NextRetryAt    time.Time       `json:"nextRetryAt"`
	LastError      string          `json:"lastError,omitempty"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Store persists events. Insert runs in the transaction carried by ctx. All
// writes on a claimed event are conditional on the caller still owning it and
// report false when the lease was lost.
type Store interface {
	Insert(ctx context.Context, ev *Event) error
	// Claim takes the oldest due event: pending with NextRetryAt <= now, or
	// processing with an expired lease. Returns nil when nothing is due.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration) (*Event, error)
	ExtendLease(ctx context.Context, id, owner string, until time.Time) (bool, error)
	Complete(ctx context.Context, id, owner string, at time.Time) (bool, error)
	Reschedule(ctx context.Context, id, owner string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error)
	Fail(ctx context.Context, id, owner string, retryCount int, lastError string, at time.Time) (bool, error)

	Get(ctx context.Context, id string) (*Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
	// Requeue moves a failed event back to pending with its retry count reset.
	Requeue(ctx context.Context, id string, at time.Time) (bool, error)
}

const maxErrorLen = 1000

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
