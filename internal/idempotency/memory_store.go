package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// MemoryStore keeps keys in process memory. It only deduplicates within one
// instance and is meant for development mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*Record
	now  func() time.Time
}

// NewMemoryStore creates an in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Record), now: time.Now}
}

func (m *MemoryStore) Transactional() bool { return true }

func (m *MemoryStore) Reserve(ctx context.Context, key, requestHash string, lockFor, ttl time.Duration) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev, exists := m.keys[key]
	if exists && now.Before(prev.ExpiresAt) {
		stale := prev.Status == StatusInProgress && !now.Before(prev.LockedUntil)
		if !stale {
			cp := *prev
			return &Reservation{Fresh: false, Record: &cp}, nil
		}
	}

	m.keys[key] = &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      StatusInProgress,
		LockedUntil: now.Add(lockFor),
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if exists {
			m.keys[key] = prev
		} else {
			delete(m.keys, key)
		}
	})
	return &Reservation{Fresh: true}, nil
}

func (m *MemoryStore) Complete(ctx context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	prev := *rec
	rec.Status = StatusCompleted
	rec.Response = append([]byte(nil), response...)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.keys[key]; ok {
			*cur = prev
		}
	})
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.keys[key]; ok && rec.Status == StatusInProgress {
		delete(m.keys, key)
	}
	return nil
}

// DeleteExpired drops records past their retention and reports how many.
func (m *MemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key, rec := range m.keys {
		if !now.Before(rec.ExpiresAt) {
			delete(m.keys, key)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record for key, for tests and diagnostics.
func (m *MemoryStore) Get(key string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[key]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

var _ Store = (*MemoryStore)(nil)
