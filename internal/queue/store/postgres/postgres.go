package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

// DefaultLease is how long a fetched batch stays invisible before another
// fetch may claim it again, e.g. after a crash mid-cycle.
const DefaultLease = 5 * time.Minute

type PostgresStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func New(pool *pgxpool.Pool, lease time.Duration) *PostgresStore {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &PostgresStore{pool: pool, lease: lease}
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

// SQL templates
const (
	sqlCreateTable = `
CREATE TABLE IF NOT EXISTS queue_items (
  id          BIGSERIAL PRIMARY KEY,
  name        TEXT        NOT NULL UNIQUE,
  payload     BYTEA       NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  lease_until TIMESTAMPTZ
);`

	sqlCreateIndex = `
CREATE INDEX IF NOT EXISTS queue_items_created_idx ON queue_items (created_at, id);`

	sqlWrite = `
INSERT INTO queue_items (name, payload)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET payload = EXCLUDED.payload, created_at = now(), lease_until = NULL;`

	// Single CTE TX pattern: pick -> lease -> return rows
	sqlFetch = `
WITH picked AS (
  SELECT id
  FROM queue_items
  WHERE lease_until IS NULL OR lease_until < now()
  ORDER BY created_at, id
  FOR UPDATE SKIP LOCKED
  LIMIT $1
),
updated AS (
  UPDATE queue_items q
  SET lease_until = now() + $2::interval
  FROM picked
  WHERE q.id = picked.id
  RETURNING q.name, q.payload, q.created_at, q.id
)
SELECT name, payload, created_at FROM updated ORDER BY created_at, id;`

	sqlDelete = `DELETE FROM queue_items WHERE name = ANY($1);`

	sqlRelease = `UPDATE queue_items SET lease_until = NULL WHERE name = ANY($1);`

	sqlDeleteOlder = `DELETE FROM queue_items WHERE created_at < $1;`

	sqlCount = `SELECT count(*) FROM queue_items;`
)

// Migrate creates the queue table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateTable, sqlCreateIndex} {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate queue_items: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Write(ctx context.Context, name string, payload []byte) error {
	if _, err := p.pool.Exec(ctx, sqlWrite, name, payload); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// FetchBatch leases up to limit items for the configured lease window.
func (p *PostgresStore) FetchBatch(ctx context.Context, limit int) ([]queue.Item, error) {
	rows, err := p.pool.Query(ctx, sqlFetch, store.Limit(limit), toInterval(p.lease))
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	defer rows.Close()

	var out []queue.Item
	for rows.Next() {
		var it queue.Item
		if err := rows.Scan(&it.Name, &it.Payload, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("fetch batch: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteBatch(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, sqlDelete, store.Names(items)); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

func (p *PostgresStore) ReleaseBatch(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, sqlRelease, store.Names(items)); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, sqlDeleteOlder, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete older than: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, sqlCount).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
