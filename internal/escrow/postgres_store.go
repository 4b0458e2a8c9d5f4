package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// PostgresStore persists escrow holds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `bounty_id, payer_id, COALESCE(payee_id, ''), amount, status, hold_tx_id,
	COALESCE(resolution_tx_id, ''), COALESCE(reason, ''), created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_holds (bounty_id, payer_id, amount, status, hold_tx_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.BountyID, h.PayerID, h.Amount, string(h.Status), h.HoldTxID, h.CreatedAt, h.UpdatedAt,
	)
	if txn.IsUniqueViolation(err) {
		return ErrHoldExists
	}
	if err != nil {
		return txn.Classify(fmt.Errorf("insert escrow hold: %w", err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, bountyID string) (*Hold, error) {
	row := txn.Querier(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE bounty_id = $1`, bountyID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, txn.Classify(fmt.Errorf("get escrow hold: %w", err))
	}
	return h, nil
}

// Resolve is the held -> terminal compare-and-set. Under READ COMMITTED a
// concurrent resolver blocks on the row lock and then sees status <> 'held'.
func (p *PostgresStore) Resolve(ctx context.Context, bountyID string, to Status, payeeID, resolutionTxID, reason string, at time.Time) (bool, error) {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_holds
		SET status = $2, payee_id = $3, resolution_tx_id = $4, reason = $5,
		    updated_at = $6, resolved_at = $6
		WHERE bounty_id = $1 AND status = 'held'`,
		bountyID, string(to), nullString(payeeID), resolutionTxID, nullString(reason), at)
	if err != nil {
		return false, txn.Classify(fmt.Errorf("resolve escrow hold: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE payer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrow holds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var status string
	var resolvedAt sql.NullTime
	err := s.Scan(&h.BountyID, &h.PayerID, &h.PayeeID, &h.Amount, &status, &h.HoldTxID,
		&h.ResolutionTxID, &h.Reason, &h.CreatedAt, &h.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	h.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return h, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
