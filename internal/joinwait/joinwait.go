// Package joinwait implements the handler for the reserved join.wait
// topic: it blocks (via retry) until a join's member steps have all
// reported in, then enqueues the configured continuation and marks the
// join terminal.
package joinwait

import (
	"context"
	"encoding/json"

	"github.com/relaycore/messaging/internal/dispatcher"
	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/join"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// Topic is the reserved topic name the dispatcher's handler resolver
// must map to Handle. No other topic is interpreted by this module.
const Topic = "join.wait"

// Payload is the wire format of a join.wait message, round-tripped as
// JSON. OnCompleteTopic/OnFailTopic are each optional independently: a
// missing pair means "no continuation" for that outcome.
type Payload struct {
	JoinId              string `json:"joinId"`
	FailIfAnyStepFailed bool   `json:"failIfAnyStepFailed"`
	OnCompleteTopic     string `json:"onCompleteTopic,omitempty"`
	OnCompletePayload   []byte `json:"onCompletePayload,omitempty"`
	OnFailTopic         string `json:"onFailTopic,omitempty"`
	OnFailPayload       []byte `json:"onFailPayload,omitempty"`
}

// Encode marshals p to the wire bytes an Outbox row carries as payload.
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses wire bytes back into a Payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, rcerr.Permanentf("join.wait: malformed payload: %v", err)
	}
	return p, nil
}

// Handler drives the join.wait handling algorithm against a join store
// and the Outbox used to enqueue continuations.
type Handler struct {
	Joins  join.Store
	Outbox store.Outbox
}

// New constructs a Handler.
func New(joins join.Store, ob store.Outbox) *Handler {
	return &Handler{Joins: joins, Outbox: ob}
}

// Handle implements dispatcher.HandlerFunc.
func (h *Handler) Handle(ctx context.Context, msg dispatcher.Message) error {
	p, err := Decode(msg.Payload)
	if err != nil {
		return err
	}

	joinID, err := ids.ParseJoinId(p.JoinId)
	if err != nil {
		return rcerr.Permanentf("join.wait: invalid joinId %q: %v", p.JoinId, err)
	}

	j, err := h.Joins.Get(ctx, joinID)
	if err != nil {
		if rcerr.IsNotFound(err) {
			return rcerr.Permanentf("join.wait: join %s not found", p.JoinId)
		}
		return err
	}

	if j.Status != join.StatusPending {
		return nil // already terminal: idempotent no-op
	}

	if j.CompletedSteps+j.FailedSteps < j.ExpectedSteps {
		return rcerr.JoinNotReady(p.JoinId)
	}

	finalStatus := join.StatusCompleted
	if p.FailIfAnyStepFailed && j.FailedSteps > 0 {
		finalStatus = join.StatusFailed
	}

	// Enqueue the continuation before flipping status: a crash between
	// the two steps is recovered by the dispatcher's retry path, since
	// step 2 above short-circuits once the status is terminal and
	// duplicate continuations are tolerated by idempotent consumers.
	var continuationTopic string
	var continuationPayload []byte
	if finalStatus == join.StatusCompleted {
		continuationTopic, continuationPayload = p.OnCompleteTopic, p.OnCompletePayload
	} else {
		continuationTopic, continuationPayload = p.OnFailTopic, p.OnFailPayload
	}
	if continuationTopic != "" {
		if _, _, err := h.Outbox.Enqueue(ctx, continuationTopic, continuationPayload, store.EnqueueOutboxOptions{}); err != nil {
			return err
		}
	}

	return h.Joins.UpdateStatus(ctx, joinID, finalStatus)
}
