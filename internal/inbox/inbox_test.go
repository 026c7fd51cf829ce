package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

type fakeInboxStore struct {
	rows     map[store.InboxKey]store.InboxRow
	enqueued int
	revived  int
}

func newFakeInboxStore(rows ...store.InboxRow) *fakeInboxStore {
	m := map[store.InboxKey]store.InboxRow{}
	for _, r := range rows {
		m[store.InboxKey{Source: r.Source, MessageId: r.MessageId}] = r
	}
	return &fakeInboxStore{rows: m}
}

func (f *fakeInboxStore) Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts store.EnqueueInboxOptions) error {
	f.enqueued++
	f.rows[store.InboxKey{Source: source, MessageId: messageID}] = store.InboxRow{
		Source: source, MessageId: messageID, Topic: topic, Payload: payload, Hash: opts.Hash, Status: store.InboxSeen,
	}
	return nil
}
func (f *fakeInboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.InboxRow, error) {
	return nil, nil
}
func (f *fakeInboxStore) Ack(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey) error {
	return nil
}
func (f *fakeInboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, opts store.AbandonOptions) error {
	return nil
}
func (f *fakeInboxStore) Fail(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, cause error) error {
	return nil
}
func (f *fakeInboxStore) ReapExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeInboxStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeInboxStore) Get(ctx context.Context, source string, messageID ids.MessageId) (*store.InboxRow, error) {
	r, ok := f.rows[store.InboxKey{Source: source, MessageId: messageID}]
	if !ok {
		return nil, rcerr.NotFound("inbox row not found")
	}
	return &r, nil
}
func (f *fakeInboxStore) ListDead(ctx context.Context, limit, offset int) ([]store.InboxRow, error) {
	return nil, nil
}
func (f *fakeInboxStore) Revive(ctx context.Context, source string, messageID ids.MessageId) error {
	f.revived++
	return nil
}

func TestAlreadyProcessed_FirstSightingEnqueuesAndReturnsFalse(t *testing.T) {
	st := newFakeInboxStore()
	c := New(st, zerolog.Nop())
	msgID := ids.NewMessageId()

	done, err := c.AlreadyProcessed(context.Background(), "webhook", msgID, "order.created", []byte("{}"), "h1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, st.enqueued)
}

func TestAlreadyProcessed_DoneRowReturnsTrueWithoutReenqueue(t *testing.T) {
	msgID := ids.NewMessageId()
	st := newFakeInboxStore(store.InboxRow{Source: "webhook", MessageId: msgID, Status: store.InboxDone, Hash: "h1"})
	c := New(st, zerolog.Nop())

	done, err := c.AlreadyProcessed(context.Background(), "webhook", msgID, "order.created", []byte("{}"), "h1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, st.enqueued)
}

func TestAlreadyProcessed_PreTerminalRowStillGetsReenqueued(t *testing.T) {
	msgID := ids.NewMessageId()
	st := newFakeInboxStore(store.InboxRow{Source: "webhook", MessageId: msgID, Status: store.InboxSeen, Hash: "h1"})
	c := New(st, zerolog.Nop())

	done, err := c.AlreadyProcessed(context.Background(), "webhook", msgID, "order.created", []byte("{}"), "h1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, st.enqueued)
}

func TestAlreadyProcessed_HashMismatchDoesNotFail(t *testing.T) {
	msgID := ids.NewMessageId()
	st := newFakeInboxStore(store.InboxRow{Source: "webhook", MessageId: msgID, Status: store.InboxSeen, Hash: "h1"})
	c := New(st, zerolog.Nop())

	done, err := c.AlreadyProcessed(context.Background(), "webhook", msgID, "order.created", []byte("{}"), "h2")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestConsumer_ReviveDelegates(t *testing.T) {
	st := newFakeInboxStore()
	c := New(st, zerolog.Nop())
	require.NoError(t, c.Revive(context.Background(), "webhook", ids.NewMessageId()))
	assert.Equal(t, 1, st.revived)
}
