package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bountypay/internal/pagination"
	"github.com/mbd888/bountypay/internal/txn"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, balance, version, COALESCE(external_account_id, ''), created_at, updated_at`

const txColumns = `id, account_id, type, amount, status, COALESCE(bounty_id, ''),
	COALESCE(external_ref, ''), COALESCE(related_tx_id, ''), idempotency_key,
	metadata, balance_after, created_at, updated_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, external_account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.ID, acct.Balance, acct.Version, nullString(acct.ExternalAccountID), acct.CreatedAt, acct.UpdatedAt,
	)
	if txn.IsUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := txn.Querier(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, txn.Classify(fmt.Errorf("get account: %w", err))
	}
	return acct, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := txn.Querier(ctx, p.db).QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetExternalAccount(ctx context.Context, id, externalAccountID string, at time.Time) error {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		UPDATE accounts SET external_account_id = $2, updated_at = $3 WHERE id = $1`,
		id, externalAccountID, at)
	if err != nil {
		return fmt.Errorf("set external account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateBalance is the optimistic-lock write. Under READ COMMITTED a
// concurrent writer holding the row blocks this statement until it commits;
// the WHERE clause is then re-evaluated against the new version and matches
// nothing.
func (p *PostgresStore) UpdateBalance(ctx context.Context, id string, newBalance, expectedVersion int64, at time.Time) (bool, error) {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		UPDATE accounts SET balance = $2, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $3`,
		id, newBalance, expectedVersion, at)
	if txn.IsCheckViolation(err) {
		return false, ErrInsufficientFunds
	}
	if err != nil {
		return false, txn.Classify(fmt.Errorf("update balance: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	md, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = txn.Querier(ctx, p.db).ExecContext(ctx, `
		INSERT INTO ledger_transactions (
			id, account_id, type, amount, status, bounty_id, external_ref,
			related_tx_id, idempotency_key, metadata, balance_after, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.AccountID, string(tx.Type), tx.Amount, string(tx.Status),
		nullString(tx.BountyID), nullString(tx.ExternalRef), nullString(tx.RelatedTxID),
		tx.IdempotencyKey, string(md), tx.BalanceAfter, tx.CreatedAt, tx.UpdatedAt,
	)
	switch {
	case txn.IsUniqueViolation(err, "uq_ledger_tx_deposit_ref"):
		return ErrDuplicateDeposit
	case txn.IsUniqueViolation(err):
		return ErrDuplicatePosting
	case err != nil:
		return txn.Classify(fmt.Errorf("insert ledger transaction: %w", err))
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := txn.Querier(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) SetTransactionStatus(ctx context.Context, id string, from, to TxStatus, externalRef string, at time.Time) (bool, error) {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $3, external_ref = COALESCE($4, external_ref), updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), nullString(externalRef), at)
	if err != nil {
		return false, txn.Classify(fmt.Errorf("update ledger transaction status: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetTransaction(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM ledger_transactions WHERE account_id = $1`
	args := []any{accountID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := txn.Querier(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindBountyTerminal(ctx context.Context, bountyID string) (*Transaction, error) {
	row := txn.Querier(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE bounty_id = $1 AND type IN ('release', 'refund')`, bountyID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find bounty resolution: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) SumAmounts(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := txn.Querier(ctx, p.db).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE account_id = $1`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger transactions: %w", err)
	}
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	acct := &Account{}
	if err := s.Scan(&acct.ID, &acct.Balance, &acct.Version, &acct.ExternalAccountID,
		&acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	return acct, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var typ, status string
	var md []byte
	err := s.Scan(&tx.ID, &tx.AccountID, &typ, &tx.Amount, &status, &tx.BountyID,
		&tx.ExternalRef, &tx.RelatedTxID, &tx.IdempotencyKey, &md, &tx.BalanceAfter,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = TxType(typ)
	tx.Status = TxStatus(status)
	if len(md) > 0 && string(md) != "{}" {
		if err := json.Unmarshal(md, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
