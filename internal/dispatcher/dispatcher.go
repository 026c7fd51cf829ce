// Package dispatcher resolves a handler for each claimed message by topic
// and drives the ack/abandon/fail decision from its outcome.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/backoff"
	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/metrics"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// Message is the shape a Handler receives, carrying just enough of the
// underlying row for the handler to act and for the dispatcher to decide.
type Message struct {
	WorkItemId    ids.WorkItemId
	MessageId     ids.MessageId
	Topic         string
	Payload       []byte
	CorrelationID string
	RetryCount    int
}

// HandlerFunc handles one dispatched message. Returning nil acks the
// message; returning an error wrapped with rcerr.Permanent fails it
// immediately; any other error is retried with backoff up to MaxAttempts.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandlerResolver maps a topic to the handler registered for it.
// Resolution is case-sensitive: the topic must match exactly.
type HandlerResolver interface {
	Resolve(topic string) (HandlerFunc, bool)
}

// Registry is a HandlerResolver backed by a plain map, built once at
// startup and never mutated afterward.
type Registry map[string]HandlerFunc

// Resolve implements HandlerResolver.
func (r Registry) Resolve(topic string) (HandlerFunc, bool) {
	h, ok := r[topic]
	return h, ok
}

// Register adds h for topic, returning the same Registry for chaining.
func (r Registry) Register(topic string, h HandlerFunc) Registry {
	r[topic] = h
	return r
}

// Dispatcher drives one store's outbox through claim→handle→decide.
type Dispatcher struct {
	StoreID     string
	Outbox      store.Outbox
	Resolver    HandlerResolver
	MaxAttempts int
	Backoff     backoff.Policy
	Metrics     *metrics.Dispatch
	Log         zerolog.Logger
}

// New constructs a Dispatcher with the default backoff policy.
func New(storeID string, ob store.Outbox, resolver HandlerResolver, maxAttempts int, m *metrics.Dispatch, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		StoreID:     storeID,
		Outbox:      ob,
		Resolver:    resolver,
		MaxAttempts: maxAttempts,
		Backoff:     backoff.Default,
		Metrics:     m,
		Log:         log.With().Str("store", storeID).Logger(),
	}
}

// DispatchOnce claims up to batchSize rows under owner with the given
// claim lease and runs each through handle/decide in order. It stops
// between messages (not mid-handler) if ctx is cancelled, leaving
// remaining claimed rows InProgress to be reaped. Returns the number of
// rows claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context, owner ids.OwnerToken, claimLeaseSeconds, batchSize int) (int, error) {
	rows, err := d.Outbox.Claim(ctx, owner, claimLeaseSeconds, batchSize)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			break
		}
		d.dispatchOne(ctx, owner, row)
	}
	return len(rows), nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, owner ids.OwnerToken, row store.OutboxRow) {
	log := d.Log.With().Str("work_item_id", row.WorkItemId.String()).Str("topic", row.Topic).Logger()

	msg := Message{
		WorkItemId:    row.WorkItemId,
		MessageId:     row.MessageId,
		Topic:         row.Topic,
		Payload:       row.Payload,
		CorrelationID: row.CorrelationID,
		RetryCount:    row.RetryCount,
	}

	handler, ok := d.Resolver.Resolve(row.Topic)
	if !ok {
		log.Warn().Msg("no handler registered for topic")
		d.fail(ctx, owner, row, errors.New("no handler registered for topic"))
		return
	}

	start := time.Now()
	err := handler(ctx, msg)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		d.ack(ctx, owner, row, elapsed)
	case rcerr.IsPermanent(err):
		log.Error().Err(err).Msg("handler reported permanent failure")
		d.failWithDuration(ctx, owner, row, err, elapsed)
	default:
		attempt := row.RetryCount + 1
		if attempt >= d.MaxAttempts {
			log.Error().Err(err).Int("attempt", attempt).Msg("max attempts exhausted")
			d.failWithDuration(ctx, owner, row, err, elapsed)
			return
		}
		delay := d.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("abandoning for retry")
		if abErr := d.Outbox.Abandon(ctx, owner, []ids.WorkItemId{row.WorkItemId}, store.AbandonOptions{
			LastError: err.Error(),
			Delay:     &delay,
		}); abErr != nil {
			log.Error().Err(abErr).Msg("abandon failed")
		}
		d.observe(row.Topic, metrics.OutcomeAbandoned, elapsed)
	}
}

func (d *Dispatcher) ack(ctx context.Context, owner ids.OwnerToken, row store.OutboxRow, elapsed time.Duration) {
	if err := d.Outbox.Ack(ctx, owner, []ids.WorkItemId{row.WorkItemId}); err != nil {
		d.Log.Error().Err(err).Str("work_item_id", row.WorkItemId.String()).Msg("ack failed")
	}
	d.observe(row.Topic, metrics.OutcomeAcked, elapsed)
}

func (d *Dispatcher) fail(ctx context.Context, owner ids.OwnerToken, row store.OutboxRow, cause error) {
	d.failWithDuration(ctx, owner, row, cause, 0)
}

func (d *Dispatcher) failWithDuration(ctx context.Context, owner ids.OwnerToken, row store.OutboxRow, cause error, elapsed time.Duration) {
	if err := d.Outbox.Fail(ctx, owner, []ids.WorkItemId{row.WorkItemId}, cause); err != nil {
		d.Log.Error().Err(err).Str("work_item_id", row.WorkItemId.String()).Msg("fail failed")
	}
	d.observe(row.Topic, metrics.OutcomeFailed, elapsed)
}

func (d *Dispatcher) observe(topic string, outcome metrics.Outcome, elapsed time.Duration) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.Observe(d.StoreID, topic, outcome, elapsed.Seconds())
}
