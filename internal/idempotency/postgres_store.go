package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// PostgresStore keeps keys in the idempotency_keys table. Its writes join the
// transaction carried by ctx, so a reservation commits with the work it guards.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a key store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Transactional() bool { return true }

// Reserve inserts the key, or takes over a record that expired or whose holder
// let the lock lapse. A concurrent uncommitted reservation of the same key
// blocks on the primary key until that transaction finishes.
func (p *PostgresStore) Reserve(ctx context.Context, key, requestHash string, lockFor, ttl time.Duration) (*Reservation, error) {
	q := txn.Querier(ctx, p.db)
	now := p.now().UTC()

	var got string
	err := q.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, locked_until, expires_at, created_at)
		VALUES ($1, $2, 'in_progress', $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status       = 'in_progress',
			response     = NULL,
			locked_until = EXCLUDED.locked_until,
			expires_at   = EXCLUDED.expires_at,
			created_at   = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= $5
		   OR (idempotency_keys.status = 'in_progress' AND idempotency_keys.locked_until <= $5)
		RETURNING key`,
		key, requestHash, now.Add(lockFor), now.Add(ttl), now,
	).Scan(&got)
	if err == nil {
		return &Reservation{Fresh: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, txn.Classify(fmt.Errorf("reserve idempotency key: %w", err))
	}

	rec, err := p.get(ctx, q, key)
	if err != nil {
		return nil, err
	}
	return &Reservation{Fresh: false, Record: rec}, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, response []byte) error {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		UPDATE idempotency_keys SET status = 'completed', response = $2
		WHERE key = $1`, key, string(response))
	if err != nil {
		return txn.Classify(fmt.Errorf("complete idempotency key: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := txn.Querier(ctx, p.db).ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status = 'in_progress'`, key)
	if err != nil {
		return txn.Classify(fmt.Errorf("release idempotency key: %w", err))
	}
	return nil
}

// DeleteExpired removes records past their retention and reports how many.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) get(ctx context.Context, q txn.DBTX, key string) (*Record, error) {
	rec := &Record{Key: key}
	var status string
	var response []byte
	err := q.QueryRowContext(ctx, `
		SELECT request_hash, status, response, locked_until, expires_at, created_at
		FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.RequestHash, &status, &response, &rec.LockedUntil, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted between the insert attempt and this read; the caller retries.
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, txn.Classify(fmt.Errorf("get idempotency key: %w", err))
	}
	rec.Status = Status(status)
	rec.Response = response
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
