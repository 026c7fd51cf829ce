// Package inbox is the producer/consumer-facing facade over a
// store-bound Inbox: idempotent pre-flight checks for webhook-style
// ingestion plus plain enqueue and dead-row revival.
package inbox

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// Consumer is the producer-facing facade over one store-bound Inbox.
type Consumer struct {
	Store store.Inbox
	Log   zerolog.Logger
}

// New constructs a Consumer.
func New(ib store.Inbox, log zerolog.Logger) *Consumer {
	return &Consumer{Store: ib, Log: log}
}

// AlreadyProcessed reports whether a Done row already exists for
// (source, messageId). If not, it upserts a Seen row as a side effect
// and returns false — the standard pre-flight for idempotent webhook
// ingestion. A hash mismatch against a previously seen row is logged at
// warning level but never fails the call.
func (c *Consumer) AlreadyProcessed(ctx context.Context, source string, messageID ids.MessageId, topic string, payload []byte, hash string) (bool, error) {
	existing, err := c.Store.Get(ctx, source, messageID)
	if err != nil && !rcerr.IsNotFound(err) {
		return false, err
	}
	if err == nil {
		if existing.Status == store.InboxDone {
			return true, nil
		}
		if hash != "" && existing.Hash != "" && existing.Hash != hash {
			c.Log.Warn().
				Str("source", source).
				Str("message_id", messageID.String()).
				Msg("inbox: hash mismatch against previously seen message")
		}
	}

	if err := c.Store.Enqueue(ctx, topic, source, messageID, payload, store.EnqueueInboxOptions{Hash: hash}); err != nil {
		return false, err
	}
	return false, nil
}

// Enqueue upserts a Seen row keyed by (source, messageId).
func (c *Consumer) Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts store.EnqueueInboxOptions) error {
	return c.Store.Enqueue(ctx, topic, source, messageID, payload, opts)
}

// Revive moves a Dead row back to Seen so it can be reprocessed.
func (c *Consumer) Revive(ctx context.Context, source string, messageID ids.MessageId) error {
	return c.Store.Revive(ctx, source, messageID)
}
