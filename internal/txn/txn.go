// Package txn provides the storage transaction ("unit of work") shared by the
// ledger, escrow, outbox and idempotency stores.
//
// A transaction travels in the context. Stores obtain their connection with
// Querier(ctx, db), so a balance update, its ledger row, an escrow status change
// and an outbox append issued under one Manager.Do commit or roll back together.
// Nested Do calls join the outer transaction.
package txn

import (
	"context"
	"database/sql"
)

// Manager runs functions inside a storage transaction.
type Manager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

// state is the per-transaction bookkeeping carried in the context.
type state struct {
	tx          *sql.Tx // nil for memory transactions
	onRollback  []func()
	afterCommit []func(context.Context)
}

func fromContext(ctx context.Context) *state {
	st, _ := ctx.Value(ctxKey{}).(*state)
	return st
}

func withState(ctx context.Context, st *state) context.Context {
	return context.WithValue(ctx, ctxKey{}, st)
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// Querier returns the transaction carried by ctx, or db when there is none.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if st := fromContext(ctx); st != nil && st.tx != nil {
		return st.tx
	}
	return db
}

// OnRollback registers fn to run if the enclosing transaction rolls back.
// Hooks run in reverse registration order. Outside a transaction it is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	if st := fromContext(ctx); st != nil {
		st.onRollback = append(st.onRollback, fn)
	}
}

// AfterCommit registers fn to run once the enclosing transaction commits.
// Outside a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if st := fromContext(ctx); st != nil {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn(ctx)
}

func (st *state) rollback() {
	for i := len(st.onRollback) - 1; i >= 0; i-- {
		st.onRollback[i]()
	}
}

func (st *state) committed(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range st.afterCommit {
		fn(ctx)
	}
}
