package registry

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists products in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createProductsSQL = `
CREATE TABLE IF NOT EXISTS xscrow_products (
    owner BYTEA NOT NULL,
    idx BIGINT NOT NULL,
    name TEXT NOT NULL,
    asset BYTEA NOT NULL,
    ledger BYTEA NOT NULL UNIQUE,
    coordinator BYTEA NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (owner, idx)
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createProductsSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the connection pool so other stores can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO xscrow_products (owner, idx, name, asset, ledger, coordinator, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, rec.Owner.Bytes(), int64(rec.Index), rec.Name, rec.Asset.Bytes(), rec.Ledger.Bytes(), rec.Coordinator.Bytes(), rec.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, owner common.Address, index uint64) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT name, asset, ledger, coordinator, created_at
FROM xscrow_products
WHERE owner = $1 AND idx = $2
`, owner.Bytes(), int64(index))

	var (
		rec                        Record
		asset, ledger, coordinator []byte
	)
	if err := row.Scan(&rec.Name, &asset, &ledger, &coordinator, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Owner = owner
	rec.Index = index
	rec.Asset = common.BytesToAddress(asset)
	rec.Ledger = common.BytesToAddress(ledger)
	rec.Coordinator = common.BytesToAddress(coordinator)
	return &rec, nil
}

func (p *PostgresStore) Count(ctx context.Context, owner common.Address) (uint64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM xscrow_products WHERE owner = $1`, owner.Bytes()).Scan(&n)
	return uint64(n), err
}

func (p *PostgresStore) Total(ctx context.Context) (uint64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM xscrow_products`).Scan(&n)
	return uint64(n), err
}
