package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps idempotent replies in xscrow_idempotency. It borrows a
// pool owned by the caller and never closes it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const idempotencySchemaSQL = `
CREATE TABLE IF NOT EXISTS xscrow_idempotency (
    scope TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS xscrow_idempotency_expires_idx ON xscrow_idempotency (expires_at);
`

// NewPostgresStore ensures the schema exists on pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, idempotencySchemaSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Get returns the live record for scope. Expired rows are treated as absent
// and left for Purge.
func (p *PostgresStore) Get(ctx context.Context, scope string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM xscrow_idempotency
WHERE scope = $1 AND expires_at > $2
`, scope, time.Now()).Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save stores record unless a live one already holds scope; the first reply
// wins when two identical requests race.
func (p *PostgresStore) Save(ctx context.Context, scope string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO xscrow_idempotency (scope, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (scope) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE xscrow_idempotency.expires_at <= EXCLUDED.created_at
`, scope, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, scope string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM xscrow_idempotency WHERE scope = $1`, scope)
	return err
}

// Purge removes every record that expired before now.
func (p *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM xscrow_idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
