package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// MemoryStore is an in-memory outbox for development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Insert(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = cloneEvent(ev)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.events, ev.ID)
	})
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Event
	for _, ev := range m.events {
		pending := ev.Status == StatusPending && !ev.NextRetryAt.After(now)
		orphaned := ev.Status == StatusProcessing && ev.LeaseExpiresAt != nil && ev.LeaseExpiresAt.Before(now)
		if pending || orphaned {
			due = append(due, ev)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})

	ev := due[0]
	until := now.Add(lease)
	ev.Status = StatusProcessing
	ev.LeaseOwner = owner
	ev.LeaseExpiresAt = &until
	return cloneEvent(ev), nil
}

// owned returns the event if owner holds its lease.
func (m *MemoryStore) owned(id, owner string) *Event {
	ev, ok := m.events[id]
	if !ok || ev.Status != StatusProcessing || ev.LeaseOwner != owner {
		return nil
	}
	return ev
}

func (m *MemoryStore) ExtendLease(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.owned(id, owner)
	if ev == nil {
		return false, nil
	}
	ev.LeaseExpiresAt = &until
	return true, nil
}

func (m *MemoryStore) Complete(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.owned(id, owner)
	if ev == nil {
		return false, nil
	}
	ev.Status = StatusCompleted
	ev.ProcessedAt = &at
	ev.LeaseOwner = ""
	ev.LeaseExpiresAt = nil
	return true, nil
}

func (m *MemoryStore) Reschedule(ctx context.Context, id, owner string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.owned(id, owner)
	if ev == nil {
		return false, nil
	}
	ev.Status = StatusPending
	ev.RetryCount = retryCount
	ev.NextRetryAt = nextRetryAt
	ev.LastError = lastError
	ev.LeaseOwner = ""
	ev.LeaseExpiresAt = nil
	return true, nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, owner string, retryCount int, lastError string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.owned(id, owner)
	if ev == nil {
		return false, nil
	}
	prev := *ev
	ev.Status = StatusFailed
	ev.RetryCount = retryCount
	ev.LastError = lastError
	ev.ProcessedAt = &at
	ev.LeaseOwner = ""
	ev.LeaseExpiresAt = nil
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.events[id]; ok {
			*cur = prev
		}
	})
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Event
	for _, ev := range m.events {
		if ev.Status == status {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return false, ErrEventNotFound
	}
	if ev.Status != StatusFailed {
		return false, nil
	}
	ev.Status = StatusPending
	ev.RetryCount = 0
	ev.NextRetryAt = at
	ev.ProcessedAt = nil
	return true, nil
}

func cloneEvent(ev *Event) *Event {
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	if ev.LeaseExpiresAt != nil {
		t := *ev.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
