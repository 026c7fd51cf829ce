package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// fakeOutbox is an in-memory store.Outbox double, enough to drive
// Dispatcher through its ack/abandon/fail decision logic without a
// database.
type fakeOutbox struct {
	mu      sync.Mutex
	rows    []store.OutboxRow
	acked   []ids.WorkItemId
	failed  map[ids.WorkItemId]string
	abandon []store.AbandonOptions
}

func newFakeOutbox(rows ...store.OutboxRow) *fakeOutbox {
	return &fakeOutbox{rows: rows, failed: map[ids.WorkItemId]string{}}
}

func (f *fakeOutbox) Enqueue(ctx context.Context, topic string, payload []byte, opts store.EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error) {
	return ids.NewWorkItemId(), ids.NewMessageId(), nil
}

func (f *fakeOutbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.OutboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := batchSize
	if n > len(f.rows) {
		n = len(f.rows)
	}
	claimed := f.rows[:n]
	f.rows = f.rows[n:]
	return claimed, nil
}

func (f *fakeOutbox) Ack(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, items...)
	return nil
}

func (f *fakeOutbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, opts store.AbandonOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandon = append(f.abandon, opts)
	return nil
}

func (f *fakeOutbox) Fail(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.failed[item] = cause.Error()
	}
	return nil
}

func (f *fakeOutbox) ReapExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeOutbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeOutbox) Get(ctx context.Context, id ids.WorkItemId) (*store.OutboxRow, error) {
	return nil, rcerr.NotFound("not found")
}
func (f *fakeOutbox) ListFailed(ctx context.Context, limit, offset int) ([]store.OutboxRow, error) {
	return nil, nil
}

var _ store.Outbox = (*fakeOutbox)(nil)

func newTestLogger() zerolog.Logger { return zerolog.Nop() }

func TestDispatcher_AckOnSuccess(t *testing.T) {
	row := store.OutboxRow{WorkItemId: ids.NewWorkItemId(), MessageId: ids.NewMessageId(), Topic: "greet"}
	ob := newFakeOutbox(row)
	resolver := Registry{}.Register("greet", func(ctx context.Context, msg Message) error { return nil })

	d := New("s1", ob, resolver, 3, nil, newTestLogger())
	n, err := d.DispatchOnce(context.Background(), ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []ids.WorkItemId{row.WorkItemId}, ob.acked)
}

func TestDispatcher_NoHandlerFails(t *testing.T) {
	row := store.OutboxRow{WorkItemId: ids.NewWorkItemId(), Topic: "unknown"}
	ob := newFakeOutbox(row)
	d := New("s1", ob, Registry{}, 3, nil, newTestLogger())

	_, err := d.DispatchOnce(context.Background(), ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Contains(t, ob.failed[row.WorkItemId], "no handler")
}

func TestDispatcher_PermanentFailsImmediately(t *testing.T) {
	row := store.OutboxRow{WorkItemId: ids.NewWorkItemId(), Topic: "t", RetryCount: 0}
	ob := newFakeOutbox(row)
	resolver := Registry{}.Register("t", func(ctx context.Context, msg Message) error {
		return rcerr.Permanent(errors.New("bad data"))
	})

	d := New("s1", ob, resolver, 5, nil, newTestLogger())
	_, err := d.DispatchOnce(context.Background(), ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Contains(t, ob.failed[row.WorkItemId], "bad data")
	assert.Empty(t, ob.abandon)
}

func TestDispatcher_TransientFailsAtMaxAttempts(t *testing.T) {
	row := store.OutboxRow{WorkItemId: ids.NewWorkItemId(), Topic: "t", RetryCount: 2}
	ob := newFakeOutbox(row)
	resolver := Registry{}.Register("t", func(ctx context.Context, msg Message) error {
		return errors.New("transient failure")
	})

	// maxAttempts=3, attempt = retryCount+1 = 3 >= 3 -> fail, not abandon.
	d := New("s1", ob, resolver, 3, nil, newTestLogger())
	_, err := d.DispatchOnce(context.Background(), ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Contains(t, ob.failed[row.WorkItemId], "transient failure")
	assert.Empty(t, ob.abandon)
}

func TestDispatcher_TransientAbandonsBelowMaxAttempts(t *testing.T) {
	row := store.OutboxRow{WorkItemId: ids.NewWorkItemId(), Topic: "t", RetryCount: 0}
	ob := newFakeOutbox(row)
	resolver := Registry{}.Register("t", func(ctx context.Context, msg Message) error {
		return errors.New("transient failure")
	})

	d := New("s1", ob, resolver, 5, nil, newTestLogger())
	_, err := d.DispatchOnce(context.Background(), ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	require.Len(t, ob.abandon, 1)
	assert.Equal(t, "transient failure", ob.abandon[0].LastError)
	assert.Empty(t, ob.failed)
}

func TestDispatcher_StopsBetweenMessagesOnCancellation(t *testing.T) {
	rows := []store.OutboxRow{
		{WorkItemId: ids.NewWorkItemId(), Topic: "t"},
		{WorkItemId: ids.NewWorkItemId(), Topic: "t"},
	}
	ob := newFakeOutbox(rows...)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	resolver := Registry{}.Register("t", func(ctx context.Context, msg Message) error {
		calls++
		cancel() // simulate cancellation observed mid-batch
		return nil
	})

	d := New("s1", ob, resolver, 3, nil, newTestLogger())
	_, err := d.DispatchOnce(ctx, ids.NewOwnerToken(), 30, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
