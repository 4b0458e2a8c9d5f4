package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bountypay/internal/pagination"
	"github.com/mbd888/bountypay/internal/txn"
)

// MemoryStore is an in-memory ledger store for demo/development mode and tests.
// Writes register undo hooks so a rolled-back txn.MemoryManager transaction
// leaves no trace. It enforces the same uniqueness rules as the SQL schema.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	txs      map[string]*Transaction
	order    []string // transaction ids in insertion order
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.accounts, acct.ID)
	})
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetExternalAccount(ctx context.Context, id, externalAccountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	prev := *acct
	acct.ExternalAccountID = externalAccountID
	acct.UpdatedAt = at
	m.undoAccount(ctx, prev)
	return nil
}

func (m *MemoryStore) UpdateBalance(ctx context.Context, id string, newBalance, expectedVersion int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return false, ErrAccountNotFound
	}
	if acct.Version != expectedVersion {
		return false, nil
	}
	if newBalance < 0 {
		return false, ErrInsufficientFunds
	}
	prev := *acct
	acct.Balance = newBalance
	acct.Version++
	acct.UpdatedAt = at
	m.undoAccount(ctx, prev)
	return true, nil
}

func (m *MemoryStore) undoAccount(ctx context.Context, prev Account) {
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.accounts[prev.ID]; ok {
			*cur = prev
		}
	})
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[tx.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if _, ok := m.txs[tx.ID]; ok {
		return ErrDuplicatePosting
	}
	for _, existing := range m.txs {
		if conflicts(existing, tx) {
			if tx.Type == TypeDeposit {
				return ErrDuplicateDeposit
			}
			return ErrDuplicatePosting
		}
	}

	cp := *tx
	cp.Metadata = maps.Clone(tx.Metadata)
	m.txs[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.txs, tx.ID)
		for i := len(m.order) - 1; i >= 0; i-- {
			if m.order[i] == tx.ID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	})
	return nil
}

// conflicts mirrors the partial unique indexes on ledger_transactions.
func conflicts(a, b *Transaction) bool {
	switch {
	case a.BountyID != "" && a.BountyID == b.BountyID && a.Type == TypeEscrow && b.Type == TypeEscrow:
		return true
	case a.BountyID != "" && a.BountyID == b.BountyID && isTerminal(a.Type) && isTerminal(b.Type):
		return true
	case a.Type == TypeDeposit && b.Type == TypeDeposit && a.ExternalRef != "" &&
		a.AccountID == b.AccountID && a.ExternalRef == b.ExternalRef:
		return true
	}
	return false
}

func isTerminal(t TxType) bool { return t == TypeRelease || t == TypeRefund }

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (m *MemoryStore) SetTransactionStatus(ctx context.Context, id string, from, to TxStatus, externalRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status != from {
		return false, nil
	}
	prev := *tx
	tx.Status = to
	if externalRef != "" {
		tx.ExternalRef = externalRef
	}
	tx.UpdatedAt = at
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.txs[id]; ok {
			*cur = prev
		}
	})
	return true, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.AccountID == accountID && before.After(tx.CreatedAt, tx.ID) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindBountyTerminal(ctx context.Context, bountyID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.BountyID == bountyID && isTerminal(tx.Type) {
			return cloneTx(tx), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SumAmounts(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, tx := range m.txs {
		if tx.AccountID == accountID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func cloneTx(tx *Transaction) *Transaction {
	cp := *tx
	cp.Metadata = maps.Clone(tx.Metadata)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
