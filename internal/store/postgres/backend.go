package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/messaging/internal/store"
)

// Backend bundles a pool's Outbox and Inbox under a human-readable
// identifier, satisfying store.Backend.
type Backend struct {
	id     string
	pool   *pgxpool.Pool
	outbox *Outbox
	inbox  *Inbox
}

// NewBackend constructs a Backend identified by id, wiring hook (which may
// be nil) into the Outbox for join-counter coupling.
func NewBackend(id string, pool *pgxpool.Pool, hook JoinHook) *Backend {
	return &Backend{
		id:     id,
		pool:   pool,
		outbox: NewOutbox(pool, hook),
		inbox:  NewInbox(pool),
	}
}

var _ store.Backend = (*Backend)(nil)

func (b *Backend) ID() string           { return b.id }
func (b *Backend) Outbox() store.Outbox { return b.outbox }
func (b *Backend) Inbox() store.Inbox   { return b.inbox }

func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}
