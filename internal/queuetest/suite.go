// Package queuetest is a compliance suite run against any store.Backend
// implementation, so the Postgres and sqlite drivers are held to the same
// behavioral contract instead of each carrying its own bespoke test.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/store"
)

// Run exercises Outbox and Inbox against backend, which must be freshly
// constructed (or otherwise isolated) per call since this suite does not
// clean up after itself.
func Run(t *testing.T, backend store.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, backend.Ping(ctx))
	})

	t.Run("Outbox", func(t *testing.T) { runOutbox(t, ctx, backend.Outbox()) })
	t.Run("Inbox", func(t *testing.T) { runInbox(t, ctx, backend.Inbox()) })
}

func runOutbox(t *testing.T, ctx context.Context, ob store.Outbox) {
	owner := ids.NewOwnerToken()

	workItemID, messageID, err := ob.Enqueue(ctx, "topic.a", []byte(`{"n":1}`), store.EnqueueOutboxOptions{CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.False(t, workItemID.IsZero())
	require.False(t, messageID.IsZero())

	row, err := ob.Get(ctx, workItemID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxReady, row.Status)
	require.Equal(t, "corr-1", row.CorrelationID)

	claimed, err := ob.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, workItemID, claimed[0].WorkItemId)
	require.Equal(t, store.OutboxInProgress, claimed[0].Status)

	// A second claim sees nothing new: the row is leased.
	claimedAgain, err := ob.Claim(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	require.Empty(t, claimedAgain)

	require.NoError(t, ob.Ack(ctx, owner, []ids.WorkItemId{workItemID}))
	row, err = ob.Get(ctx, workItemID)
	require.NoError(t, err)
	require.Equal(t, store.OutboxDone, row.Status)

	// Abandon path: enqueue, claim, abandon, then it's claimable again.
	workItemID2, _, err := ob.Enqueue(ctx, "topic.b", []byte(`{}`), store.EnqueueOutboxOptions{})
	require.NoError(t, err)
	claimed2, err := ob.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)

	delay := time.Millisecond
	require.NoError(t, ob.Abandon(ctx, owner, []ids.WorkItemId{workItemID2}, store.AbandonOptions{LastError: "transient", Delay: &delay}))
	row2, err := ob.Get(ctx, workItemID2)
	require.NoError(t, err)
	require.Equal(t, store.OutboxReady, row2.Status)
	require.Equal(t, 1, row2.RetryCount)
	require.Equal(t, "transient", row2.LastError)

	time.Sleep(5 * time.Millisecond)
	reclaimed, err := ob.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, workItemID2, reclaimed[0].WorkItemId)

	// Fail path: claim then fail, it shows up in ListFailed.
	require.NoError(t, ob.Fail(ctx, owner, []ids.WorkItemId{workItemID2}, assertError("handler gave up permanently")))

	failed, err := ob.ListFailed(ctx, 10, 0)
	require.NoError(t, err)
	found := false
	for _, f := range failed {
		if f.WorkItemId == workItemID2 {
			found = true
		}
	}
	require.True(t, found)

	// ReapExpired: claim with a 1s lease and wait past it, expect it back to ready.
	workItemID3, _, err := ob.Enqueue(ctx, "topic.c", []byte(`{}`), store.EnqueueOutboxOptions{})
	require.NoError(t, err)
	_, err = ob.Claim(ctx, owner, 1, 10)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	n, err := ob.ReapExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	row3, err := ob.Get(ctx, workItemID3)
	require.NoError(t, err)
	require.Equal(t, store.OutboxReady, row3.Status)

	// Cleanup: a zero retention deletes every Done row immediately.
	deleted, err := ob.Cleanup(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, deleted, 1)
}

func runInbox(t *testing.T, ctx context.Context, ib store.Inbox) {
	owner := ids.NewOwnerToken()
	source := "producer-a"
	messageID := ids.NewMessageId()

	require.NoError(t, ib.Enqueue(ctx, "topic.in", source, messageID, []byte(`{}`), store.EnqueueInboxOptions{Hash: "h1"}))

	// Re-enqueueing the same natural key before it is claimed is a no-op
	// duplicate sighting, not an error.
	require.NoError(t, ib.Enqueue(ctx, "topic.in", source, messageID, []byte(`{}`), store.EnqueueInboxOptions{Hash: "h1"}))

	claimed, err := ib.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	key := store.InboxKey{Source: source, MessageId: messageID}
	require.NoError(t, ib.Ack(ctx, owner, []store.InboxKey{key}))

	row, err := ib.Get(ctx, source, messageID)
	require.NoError(t, err)
	require.Equal(t, store.InboxDone, row.Status)

	// Fail path on a second message, then revive it.
	messageID2 := ids.NewMessageId()
	require.NoError(t, ib.Enqueue(ctx, "topic.in", source, messageID2, []byte(`{}`), store.EnqueueInboxOptions{}))
	_, err = ib.Claim(ctx, owner, 30, 10)
	require.NoError(t, err)
	key2 := store.InboxKey{Source: source, MessageId: messageID2}
	require.NoError(t, ib.Fail(ctx, owner, []store.InboxKey{key2}, assertError("handler gave up")))

	dead, err := ib.ListDead(ctx, 10, 0)
	require.NoError(t, err)
	found := false
	for _, d := range dead {
		if d.MessageId == messageID2 {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, ib.Revive(ctx, source, messageID2))
	row2, err := ib.Get(ctx, source, messageID2)
	require.NoError(t, err)
	require.Equal(t, store.InboxSeen, row2.Status)
	require.Equal(t, 1, row2.Attempts) // attempts preserved across revive
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
