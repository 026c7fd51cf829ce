// Package postgres implements the Outbox/Inbox queue primitive on top of
// PostgreSQL using pgx/v5, with one table per queue and a
// lease-by-SKIP-LOCKED claim pattern.
package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/messaging/internal/rcerr"
)

//go:embed schema.sql
var schemaFS embed.FS

// querier is the minimal subset of *pgxpool.Pool and pgx.Tx that row-level
// operations need, so a Store method written against it works identically
// whether it is running against the pool or joining a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Open creates a pgx connection pool tuned for a dispatcher workload: a
// handful of long-lived connections rather than one per request.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.open.parse: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.open.connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=postgres.open.ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema applies the bundled schema. Safe to call repeatedly; every
// statement is guarded with IF NOT EXISTS.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("op=postgres.ensure_schema.read: %w", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("op=postgres.ensure_schema.exec: %w", err)
	}
	return nil
}

// resolveTx returns the querier a call should run against: the caller's
// transaction if one was supplied via opts, otherwise the pool itself. It
// returns InvalidArgument if tx is non-nil but not a pgx.Tx, so a caller
// that accidentally passes a sqlite handle fails loudly instead of
// silently opening its own transaction.
func resolveTx(pool *pgxpool.Pool, tx any) (querier, error) {
	if tx == nil {
		return pool, nil
	}
	t, ok := tx.(pgx.Tx)
	if !ok {
		return nil, rcerr.InvalidArgument("postgres store given a transaction handle that is not a pgx.Tx")
	}
	return t, nil
}
