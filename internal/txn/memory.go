package txn

import (
	"context"
	"sync"
)

// MemoryManager gives memory-backed stores all-or-nothing semantics within one
// process: transactions are serialized by a single lock and stores register
// undo closures with OnRollback. It is for development mode and tests only.
type MemoryManager struct {
	mu sync.Mutex
}

// NewMemoryManager creates a memory transaction manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

func (m *MemoryManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	st := &state{}
	txCtx := withState(ctx, st)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				st.rollback()
				m.mu.Unlock()
				panic(r)
			}
		}()
		return fn(txCtx)
	}()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		st.rollback()
		m.mu.Unlock()
		return Classify(err)
	}
	m.mu.Unlock()
	st.committed(ctx)
	return nil
}
