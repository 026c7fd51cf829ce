package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/store"
)

type sweepCountingOutbox struct {
	countingOutbox
	reaps    int
	cleanups int
}

func (o *sweepCountingOutbox) ReapExpired(ctx context.Context) (int, error) {
	o.reaps++
	return 2, nil
}
func (o *sweepCountingOutbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	o.cleanups++
	return 3, nil
}

type sweepCountingInbox struct {
	reaps    int
	cleanups int
}

func (i *sweepCountingInbox) Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts store.EnqueueInboxOptions) error {
	return nil
}
func (i *sweepCountingInbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.InboxRow, error) {
	return nil, nil
}
func (i *sweepCountingInbox) Ack(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey) error {
	return nil
}
func (i *sweepCountingInbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, opts store.AbandonOptions) error {
	return nil
}
func (i *sweepCountingInbox) Fail(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, cause error) error {
	return nil
}
func (i *sweepCountingInbox) ReapExpired(ctx context.Context) (int, error) {
	i.reaps++
	return 1, nil
}
func (i *sweepCountingInbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	i.cleanups++
	return 1, nil
}
func (i *sweepCountingInbox) Get(ctx context.Context, source string, messageID ids.MessageId) (*store.InboxRow, error) {
	return nil, nil
}
func (i *sweepCountingInbox) ListDead(ctx context.Context, limit, offset int) ([]store.InboxRow, error) {
	return nil, nil
}
func (i *sweepCountingInbox) Revive(ctx context.Context, source string, messageID ids.MessageId) error {
	return nil
}

type sweepBackend struct {
	id     string
	outbox *sweepCountingOutbox
	inbox  *sweepCountingInbox
}

func (b *sweepBackend) ID() string                     { return b.id }
func (b *sweepBackend) Outbox() store.Outbox           { return b.outbox }
func (b *sweepBackend) Inbox() store.Inbox             { return b.inbox }
func (b *sweepBackend) Ping(ctx context.Context) error { return nil }

func TestJanitor_SweepOnceReapsAndCleansEveryStore(t *testing.T) {
	backend := &sweepBackend{id: "A", outbox: &sweepCountingOutbox{}, inbox: &sweepCountingInbox{}}
	j := NewJanitor(StaticProvider{backend}, time.Hour, time.Hour, zerolog.Nop())

	j.sweepOnce(context.Background())

	assert.Equal(t, 1, backend.outbox.reaps)
	assert.Equal(t, 1, backend.outbox.cleanups)
	assert.Equal(t, 1, backend.inbox.reaps)
	assert.Equal(t, 1, backend.inbox.cleanups)
}

func TestJanitor_SkipsCleanupWhenRetentionNonPositive(t *testing.T) {
	backend := &sweepBackend{id: "A", outbox: &sweepCountingOutbox{}, inbox: &sweepCountingInbox{}}
	j := NewJanitor(StaticProvider{backend}, time.Hour, 0, zerolog.Nop())

	j.sweepOnce(context.Background())

	assert.Equal(t, 1, backend.outbox.reaps)
	assert.Equal(t, 0, backend.outbox.cleanups)
	assert.Equal(t, 1, backend.inbox.reaps)
	assert.Equal(t, 0, backend.inbox.cleanups)
}
