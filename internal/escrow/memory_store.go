package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// MemoryStore is an in-memory escrow store for development mode and tests.
type MemoryStore struct {
	holds map[string]*Hold
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds: make(map[string]*Hold),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.BountyID]; ok {
		return ErrHoldExists
	}
	m.holds[h.BountyID] = cloneHold(h)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.holds, h.BountyID)
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bountyID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[bountyID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return cloneHold(h), nil
}

func (m *MemoryStore) Resolve(ctx context.Context, bountyID string, to Status, payeeID, resolutionTxID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[bountyID]
	if !ok {
		return false, ErrHoldNotFound
	}
	if h.Status != StatusHeld {
		return false, nil
	}
	prev := *h
	h.Status = to
	h.PayeeID = payeeID
	h.ResolutionTxID = resolutionTxID
	h.Reason = reason
	h.UpdatedAt = at
	h.ResolvedAt = &at
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.holds[bountyID]; ok {
			*cur = prev
		}
	})
	return true, nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.PayerID == payerID {
			result = append(result, cloneHold(h))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneHold(h *Hold) *Hold {
	cp := *h
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
