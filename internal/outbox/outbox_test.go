package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/join"
	"github.com/relaycore/messaging/internal/joinwait"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

type fakeOutboxStore struct {
	enqueued []struct {
		topic   string
		payload []byte
	}
}

func (f *fakeOutboxStore) Enqueue(ctx context.Context, topic string, payload []byte, opts store.EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error) {
	f.enqueued = append(f.enqueued, struct {
		topic   string
		payload []byte
	}{topic, payload})
	return ids.NewWorkItemId(), ids.NewMessageId(), nil
}
func (f *fakeOutboxStore) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds, batchSize int) ([]store.OutboxRow, error) {
	return nil, nil
}
func (f *fakeOutboxStore) Ack(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId) error {
	return nil
}
func (f *fakeOutboxStore) Abandon(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, opts store.AbandonOptions) error {
	return nil
}
func (f *fakeOutboxStore) Fail(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, cause error) error {
	return nil
}
func (f *fakeOutboxStore) ReapExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeOutboxStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeOutboxStore) Get(ctx context.Context, id ids.WorkItemId) (*store.OutboxRow, error) {
	return nil, nil
}
func (f *fakeOutboxStore) ListFailed(ctx context.Context, limit, offset int) ([]store.OutboxRow, error) {
	return nil, nil
}

type fakeJoinStore struct {
	createdExpectedSteps int
	attachedJoin         ids.JoinId
	attachedMessage      ids.MessageId
}

func (f *fakeJoinStore) CreateJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata []byte) (ids.JoinId, error) {
	f.createdExpectedSteps = expectedSteps
	return ids.NewJoinId(), nil
}
func (f *fakeJoinStore) AttachMember(ctx context.Context, joinID ids.JoinId, messageID ids.MessageId) error {
	f.attachedJoin, f.attachedMessage = joinID, messageID
	return nil
}
func (f *fakeJoinStore) MarkCompleted(ctx context.Context, messageID ids.MessageId) error { return nil }
func (f *fakeJoinStore) MarkFailed(ctx context.Context, messageID ids.MessageId, cause error) error {
	return nil
}
func (f *fakeJoinStore) UpdateStatus(ctx context.Context, joinID ids.JoinId, status join.Status) error {
	return nil
}
func (f *fakeJoinStore) Get(ctx context.Context, joinID ids.JoinId) (*join.Join, error) {
	return nil, rcerr.NotFound("join not found")
}

func TestProducer_EnqueuePassesThrough(t *testing.T) {
	ob := &fakeOutboxStore{}
	p := New(ob, nil)

	_, _, err := p.Enqueue(context.Background(), "order.created", []byte("{}"), store.EnqueueOutboxOptions{})
	require.NoError(t, err)
	require.Len(t, ob.enqueued, 1)
	assert.Equal(t, "order.created", ob.enqueued[0].topic)
}

func TestProducer_StartJoinRequiresJoinStore(t *testing.T) {
	p := New(&fakeOutboxStore{}, nil)
	_, err := p.StartJoin(context.Background(), "order-1", 3, nil)
	assert.True(t, rcerr.IsInvalidArgument(err))
}

func TestProducer_StartJoinDelegates(t *testing.T) {
	js := &fakeJoinStore{}
	p := New(&fakeOutboxStore{}, js)

	_, err := p.StartJoin(context.Background(), "order-1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, js.createdExpectedSteps)
}

func TestProducer_AttachMessageToJoinDelegates(t *testing.T) {
	js := &fakeJoinStore{}
	p := New(&fakeOutboxStore{}, js)

	joinID := ids.NewJoinId()
	msgID := ids.NewMessageId()
	require.NoError(t, p.AttachMessageToJoin(context.Background(), joinID, msgID))
	assert.Equal(t, joinID, js.attachedJoin)
	assert.Equal(t, msgID, js.attachedMessage)
}

func TestProducer_EnqueueJoinWaitEncodesPayload(t *testing.T) {
	ob := &fakeOutboxStore{}
	p := New(ob, nil)
	joinID := ids.NewJoinId()

	_, _, err := p.EnqueueJoinWait(context.Background(), joinID, true, EnqueueJoinWaitOptions{
		OnCompleteTopic: "order.ready",
		OnFailTopic:     "order.failed",
	})
	require.NoError(t, err)
	require.Len(t, ob.enqueued, 1)
	assert.Equal(t, joinwait.Topic, ob.enqueued[0].topic)

	var decoded joinwait.Payload
	require.NoError(t, json.Unmarshal(ob.enqueued[0].payload, &decoded))
	assert.Equal(t, joinID.String(), decoded.JoinId)
	assert.True(t, decoded.FailIfAnyStepFailed)
	assert.Equal(t, "order.ready", decoded.OnCompleteTopic)
	assert.Equal(t, "order.failed", decoded.OnFailTopic)
}
