package sqlite

import (
	"context"
	"database/sql"

	"github.com/relaycore/messaging/internal/store"
)

// Backend bundles a *sql.DB's Outbox and Inbox under a human-readable
// identifier, satisfying store.Backend.
type Backend struct {
	id     string
	db     *sql.DB
	outbox *Outbox
	inbox  *Inbox
}

// NewBackend constructs a Backend identified by id, wiring hook (which may
// be nil) into the Outbox for join-counter coupling.
func NewBackend(id string, db *sql.DB, hook JoinHook) *Backend {
	return &Backend{
		id:     id,
		db:     db,
		outbox: NewOutbox(db, hook),
		inbox:  NewInbox(db),
	}
}

var _ store.Backend = (*Backend)(nil)

func (b *Backend) ID() string           { return b.id }
func (b *Backend) Outbox() store.Outbox { return b.outbox }
func (b *Backend) Inbox() store.Inbox   { return b.inbox }

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
