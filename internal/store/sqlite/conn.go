// Package sqlite implements the Outbox/Inbox queue primitive on top of
// modernc.org/sqlite, a pure-Go driver requiring no cgo or external
// database process. SQLite allows only one writer at a time, so the pool
// is capped at a single connection (mirroring the single-writer pattern
// used throughout the retrieval pack's sqlite-backed queues) and every
// multi-statement operation runs inside one transaction on that
// connection, giving the same atomicity the Postgres backend gets from
// row locks.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/relaycore/messaging/internal/rcerr"
)

//go:embed schema.sql
var schemaFS embed.FS

// querier is the subset of *sql.DB and *sql.Tx row operations need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) a sqlite database at path ("" or ":memory:" for
// an ephemeral in-process database), enables WAL journal mode for
// concurrent readers alongside the single writer, and returns the
// *sql.DB. Callers own the returned handle and must Close it.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.foreign_keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.ping: %w", err)
	}
	return db, nil
}

// EnsureSchema applies the bundled schema. Safe to call repeatedly; every
// statement is guarded with IF NOT EXISTS.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	ddl, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("op=sqlite.ensure_schema.read: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("op=sqlite.ensure_schema.exec: %w", err)
	}
	return nil
}

// resolveTx returns the querier a call should run against: the caller's
// transaction if one was supplied via opts, otherwise db itself. It
// returns InvalidArgument if tx is non-nil but not a *sql.Tx, so a caller
// that accidentally passes a pgx handle fails loudly instead of silently
// opening its own transaction.
func resolveTx(db *sql.DB, tx any) (querier, error) {
	if tx == nil {
		return db, nil
	}
	t, ok := tx.(*sql.Tx)
	if !ok {
		return nil, rcerr.InvalidArgument("sqlite store given a transaction handle that is not a *sql.Tx")
	}
	return t, nil
}
