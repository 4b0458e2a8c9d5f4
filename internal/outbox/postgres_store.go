package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bountypay/internal/txn"
)

// PostgresStore implements Store on the outbox_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, type, aggregate_id, payload, status, retry_count, next_retry_at,
	COALESCE(last_error, ''), COALESCE(lease_owner, ''), lease_expires_at, created_at, processed_at`

func (p *PostgresStore) Insert(ctx context.Context, ev *Event) error {
	_, err := txn.Querier(ctx, p.db).ExecContext(ctx, `
		INSERT INTO outbox_events (id, type, aggregate_id, payload, status, retry_count, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Type, ev.AggregateID, string(ev.Payload), string(ev.Status), ev.RetryCount, ev.NextRetryAt, ev.CreatedAt,
	)
	if err != nil {
		return txn.Classify(fmt.Errorf("insert outbox event: %w", err))
	}
	return nil
}

// Claim locks one due row with SKIP LOCKED so concurrent workers, in this
// process or another replica, never claim the same event.
func (p *PostgresStore) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', lease_owner = $1, lease_expires_at = $3
		WHERE id = (
			SELECT id FROM outbox_events
			WHERE (status = 'pending' AND next_retry_at <= $2)
			   OR (status = 'processing' AND lease_expires_at < $2)
			ORDER BY next_retry_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		owner, now, now.Add(lease),
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbox event: %w", err)
	}
	return ev, nil
}

func (p *PostgresStore) ExtendLease(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	return p.execOwned(ctx, `
		UPDATE outbox_events SET lease_expires_at = $3
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
		id, owner, until)
}

func (p *PostgresStore) Complete(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	return p.execOwned(ctx, `
		UPDATE outbox_events
		SET status = 'completed', processed_at = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
		id, owner, at)
}

func (p *PostgresStore) Reschedule(ctx context.Context, id, owner string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error) {
	return p.execOwned(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = $3, next_retry_at = $4, last_error = $5,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
		id, owner, retryCount, nextRetryAt, lastError)
}

func (p *PostgresStore) Fail(ctx context.Context, id, owner string, retryCount int, lastError string, at time.Time) (bool, error) {
	return p.execOwned(ctx, `
		UPDATE outbox_events
		SET status = 'failed', retry_count = $3, last_error = $4, processed_at = $5,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
		id, owner, retryCount, lastError, at)
}

func (p *PostgresStore) execOwned(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := txn.Querier(ctx, p.db).ExecContext(ctx, query, args...)
	if err != nil {
		return false, txn.Classify(fmt.Errorf("update outbox event: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := txn.Querier(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return ev, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.execOwned(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = $2, processed_at = NULL
		WHERE id = $1 AND status = 'failed'`,
		id, at)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	ev := &Event{}
	var status string
	var payload []byte
	var leaseExpires, processed sql.NullTime
	err := s.Scan(&ev.ID, &ev.Type, &ev.AggregateID, &payload, &status, &ev.RetryCount,
		&ev.NextRetryAt, &ev.LastError, &ev.LeaseOwner, &leaseExpires, &ev.CreatedAt, &processed)
	if err != nil {
		return nil, err
	}
	ev.Status = Status(status)
	ev.Payload = payload
	if leaseExpires.Valid {
		t := leaseExpires.Time
		ev.LeaseExpiresAt = &t
	}
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

var _ Store = (*PostgresStore)(nil)
