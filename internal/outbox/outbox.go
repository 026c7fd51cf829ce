// Package outbox is the producer-facing facade business code calls:
// plain enqueue plus the higher-level join helpers that wrap the
// reserved join.wait topic so callers never hand-encode its payload.
package outbox

import (
	"context"
	"time"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/join"
	"github.com/relaycore/messaging/internal/joinwait"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// Producer is the producer-facing facade over one store-bound Outbox and
// its paired join.Store.
type Producer struct {
	Store store.Outbox
	Joins join.Store
}

// New constructs a Producer.
func New(ob store.Outbox, joins join.Store) *Producer {
	return &Producer{Store: ob, Joins: joins}
}

// Enqueue inserts topic/payload as a new Ready row, transactional or
// standalone depending on whether opts.Tx is set.
func (p *Producer) Enqueue(ctx context.Context, topic string, payload []byte, opts store.EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error) {
	return p.Store.Enqueue(ctx, topic, payload, opts)
}

// StartJoin creates a new join expecting expectedSteps member
// completions.
func (p *Producer) StartJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata []byte) (ids.JoinId, error) {
	if p.Joins == nil {
		return ids.JoinId{}, rcerr.InvalidArgument("outbox: no join store configured")
	}
	return p.Joins.CreateJoin(ctx, groupingKey, expectedSteps, metadata)
}

// AttachMessageToJoin registers messageId as a member of joinID.
func (p *Producer) AttachMessageToJoin(ctx context.Context, joinID ids.JoinId, messageID ids.MessageId) error {
	if p.Joins == nil {
		return rcerr.InvalidArgument("outbox: no join store configured")
	}
	return p.Joins.AttachMember(ctx, joinID, messageID)
}

// EnqueueJoinWaitOptions carries the optional continuation routing for
// EnqueueJoinWait.
type EnqueueJoinWaitOptions struct {
	OnCompleteTopic   string
	OnCompletePayload []byte
	OnFailTopic       string
	OnFailPayload     []byte
	DueTimeUTC        *time.Time
	Tx                store.Tx
}

// EnqueueJoinWait enqueues a message on the reserved join.wait topic that
// the dispatcher's joinwait.Handler will drive to the join's terminal
// status once every expected step has reported in.
func (p *Producer) EnqueueJoinWait(ctx context.Context, joinID ids.JoinId, failIfAnyStepFailed bool, opts EnqueueJoinWaitOptions) (ids.WorkItemId, ids.MessageId, error) {
	payload, err := joinwait.Encode(joinwait.Payload{
		JoinId:              joinID.String(),
		FailIfAnyStepFailed: failIfAnyStepFailed,
		OnCompleteTopic:     opts.OnCompleteTopic,
		OnCompletePayload:   opts.OnCompletePayload,
		OnFailTopic:         opts.OnFailTopic,
		OnFailPayload:       opts.OnFailPayload,
	})
	if err != nil {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox: encode join.wait payload: %v", err)
	}
	return p.Store.Enqueue(ctx, joinwait.Topic, payload, store.EnqueueOutboxOptions{
		DueTimeUTC: opts.DueTimeUTC,
		Tx:         opts.Tx,
	})
}
