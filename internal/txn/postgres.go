package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/bountypay/internal/apperr"
)

// Postgres error codes the stores react to.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// ErrSerialization is returned when Postgres aborts a transaction because of
// a concurrent writer. It is a retryable conflict.
var ErrSerialization = apperr.Retryable(apperr.KindConflict, "concurrent update, transaction aborted")

// PostgresManager runs transactions on a *sql.DB.
type PostgresManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewPostgresManager returns a manager using READ COMMITTED. Correctness comes
// from version-guarded and status-guarded conditional writes, not isolation level.
func NewPostgresManager(db *sql.DB) *PostgresManager {
	return &PostgresManager{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// DB exposes the underlying pool for stores constructed alongside the manager.
func (m *PostgresManager) DB() *sql.DB { return m.db }

func (m *PostgresManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return apperr.Unavailable("txn.begin", err)
	}
	st := &state{tx: tx}
	txCtx := withState(ctx, st)

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			st.rollback()
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		st.rollback()
		return Classify(err)
	}
	if err := tx.Commit(); err != nil {
		st.rollback()
		return Classify(fmt.Errorf("commit: %w", err))
	}
	st.committed(ctx)
	return nil
}

// Classify maps driver errors that have a domain meaning onto apperr kinds.
// Already-classified errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return &apperr.Error{Kind: apperr.KindConflict, Msg: ErrSerialization.Msg, Retryable: true, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap("txn", err)
	}
	return err
}

// IsUniqueViolation reports a unique/primary key violation, optionally on a
// specific constraint name.
func IsUniqueViolation(err error, constraint ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeUniqueViolation {
		return false
	}
	if len(constraint) == 0 {
		return true
	}
	for _, c := range constraint {
		if pqErr.Constraint == c {
			return true
		}
	}
	return false
}

// IsCheckViolation reports a CHECK constraint violation.
func IsCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeCheckViolation
}
