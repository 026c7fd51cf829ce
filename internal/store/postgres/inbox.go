package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

var inboxTracer = otel.Tracer("store.postgres.inbox")

// Inbox is the PostgreSQL-backed store.Inbox.
type Inbox struct {
	pool *pgxpool.Pool
}

// NewInbox constructs an Inbox bound to pool.
func NewInbox(pool *pgxpool.Pool) *Inbox {
	return &Inbox{pool: pool}
}

var _ store.Inbox = (*Inbox)(nil)

func (i *Inbox) Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts store.EnqueueInboxOptions) error {
	ctx, span := inboxTracer.Start(ctx, "inbox.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "inbox"))

	if topic == "" {
		return rcerr.InvalidArgument("inbox.enqueue: topic must not be empty")
	}
	if source == "" {
		return rcerr.InvalidArgument("inbox.enqueue: source must not be empty")
	}
	if messageID.IsZero() {
		return rcerr.InvalidArgument("inbox.enqueue: messageID must not be zero")
	}
	if payload == nil {
		return rcerr.InvalidArgument("inbox.enqueue: payload must not be nil")
	}

	q, err := resolveTx(i.pool, opts.Tx)
	if err != nil {
		return err
	}

	const upsertSQL = `
INSERT INTO inbox (source, message_id, topic, payload, hash, due_time_utc)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
ON CONFLICT (source, message_id) DO UPDATE
SET last_seen_utc = now(),
    topic = CASE WHEN inbox.status <> 'done' THEN EXCLUDED.topic ELSE inbox.topic END,
    payload = CASE WHEN inbox.status <> 'done' THEN EXCLUDED.payload ELSE inbox.payload END,
    hash = CASE WHEN inbox.status <> 'done' THEN EXCLUDED.hash ELSE inbox.hash END,
    due_time_utc = CASE WHEN inbox.status <> 'done' THEN EXCLUDED.due_time_utc ELSE inbox.due_time_utc END`

	if _, err := q.Exec(ctx, upsertSQL, source, messageID.String(), topic, payload, opts.Hash, opts.DueTimeUTC); err != nil {
		return fmt.Errorf("op=inbox.enqueue: %w", err)
	}
	return nil
}

const claimInboxSQL = `
SELECT source, message_id, topic, payload, COALESCE(hash, ''), first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, COALESCE(last_error, ''), locked_until, owner_token
FROM inbox
WHERE status = 'seen'
  AND (due_time_utc IS NULL OR due_time_utc <= now())
ORDER BY first_seen_utc ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`

const lockInboxSQL = `
UPDATE inbox
SET status = 'processing', locked_until = now() + make_interval(secs => $3), owner_token = $4, attempts = attempts + 1
WHERE source = $1 AND message_id = $2`

func (i *Inbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]store.InboxRow, error) {
	ctx, span := inboxTracer.Start(ctx, "inbox.Claim")
	defer span.End()

	if leaseSeconds <= 0 {
		return nil, rcerr.InvalidArgument("inbox.claim: leaseSeconds must be > 0, got %d", leaseSeconds)
	}
	if batchSize <= 0 {
		return nil, rcerr.InvalidArgument("inbox.claim: batchSize must be > 0, got %d", batchSize)
	}

	tx, err := i.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=inbox.claim.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, claimInboxSQL, batchSize)
	if err != nil {
		return nil, fmt.Errorf("op=inbox.claim.select: %w", err)
	}

	var claimed []store.InboxRow
	var scanErr error
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			scanErr = err
			break
		}
		claimed = append(claimed, r)
	}
	rowsErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("op=inbox.claim.scan: %w", scanErr)
	}
	if rowsErr != nil {
		return nil, fmt.Errorf("op=inbox.claim.rows: %w", rowsErr)
	}

	for idx := range claimed {
		if _, err := tx.Exec(ctx, lockInboxSQL, claimed[idx].Source, claimed[idx].MessageId.String(), leaseSeconds, owner.String()); err != nil {
			return nil, fmt.Errorf("op=inbox.claim.lock: %w", err)
		}
		claimed[idx].Status = store.InboxProcessing
		claimed[idx].OwnerToken = &owner
		claimed[idx].Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=inbox.claim.commit: %w", err)
	}
	return claimed, nil
}

func scanInboxRow(row rowScanner) (store.InboxRow, error) {
	var r store.InboxRow
	var messageID string
	var ownerToken *string
	if err := row.Scan(
		&r.Source, &messageID, &r.Topic, &r.Payload, &r.Hash, &r.FirstSeenUTC, &r.LastSeenUTC,
		&r.ProcessedUTC, &r.DueTimeUTC, &r.Attempts, &r.Status, &r.LastError, &r.LockedUntil, &ownerToken,
	); err != nil {
		return store.InboxRow{}, err
	}
	mid, err := ids.ParseMessageId(messageID)
	if err != nil {
		return store.InboxRow{}, err
	}
	r.MessageId = mid
	if ownerToken != nil {
		ot, err := ids.ParseOwnerToken(*ownerToken)
		if err != nil {
			return store.InboxRow{}, err
		}
		r.OwnerToken = &ot
	}
	return r, nil
}

func (i *Inbox) Ack(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey) error {
	ctx, span := inboxTracer.Start(ctx, "inbox.Ack")
	defer span.End()

	if items == nil {
		return rcerr.InvalidArgument("inbox.ack: items must not be nil")
	}

	const ackSQL = `
UPDATE inbox
SET status = 'done', processed_utc = now(), locked_until = NULL
WHERE source = $1 AND message_id = $2 AND owner_token = $3 AND status = 'processing'`

	for _, item := range items {
		if _, err := i.pool.Exec(ctx, ackSQL, item.Source, item.MessageId.String(), owner.String()); err != nil {
			return fmt.Errorf("op=inbox.ack: %w", err)
		}
	}
	return nil
}

func (i *Inbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, opts store.AbandonOptions) error {
	ctx, span := inboxTracer.Start(ctx, "inbox.Abandon")
	defer span.End()

	if items == nil {
		return rcerr.InvalidArgument("inbox.abandon: items must not be nil")
	}
	if opts.Delay != nil && *opts.Delay <= 0 {
		return rcerr.InvalidArgument("inbox.abandon: delay must be > 0, got %s", *opts.Delay)
	}

	var delaySeconds float64
	if opts.Delay != nil {
		delaySeconds = opts.Delay.Seconds()
	}

	const abandonSQL = `
UPDATE inbox
SET status = 'seen',
    last_error = NULLIF($4, ''),
    locked_until = NULL,
    owner_token = NULL,
    due_time_utc = CASE
        WHEN $3 > 0 THEN now() + make_interval(secs => $3)
        ELSE now() + make_interval(secs => LEAST(POWER(2, attempts + 1) * 0.25, 60))
    END
WHERE source = $1 AND message_id = $2 AND owner_token = $5 AND status = 'processing'`

	for _, item := range items {
		if _, err := i.pool.Exec(ctx, abandonSQL, item.Source, item.MessageId.String(), delaySeconds, opts.LastError, owner.String()); err != nil {
			return fmt.Errorf("op=inbox.abandon: %w", err)
		}
	}
	return nil
}

func (i *Inbox) Fail(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, cause error) error {
	ctx, span := inboxTracer.Start(ctx, "inbox.Fail")
	defer span.End()

	if cause == nil {
		return rcerr.InvalidArgument("inbox.fail: cause must not be nil")
	}

	const failSQL = `
UPDATE inbox
SET status = 'dead', last_error = $3, locked_until = NULL, processed_utc = now()
WHERE source = $1 AND message_id = $2 AND owner_token = $4 AND status = 'processing'`

	for _, item := range items {
		if _, err := i.pool.Exec(ctx, failSQL, item.Source, item.MessageId.String(), cause.Error(), owner.String()); err != nil {
			return fmt.Errorf("op=inbox.fail: %w", err)
		}
	}
	return nil
}

func (i *Inbox) ReapExpired(ctx context.Context) (int, error) {
	ctx, span := inboxTracer.Start(ctx, "inbox.ReapExpired")
	defer span.End()

	const reapSQL = `
UPDATE inbox
SET status = 'seen', locked_until = NULL, owner_token = NULL
WHERE status = 'processing' AND locked_until < now()`

	tag, err := i.pool.Exec(ctx, reapSQL)
	if err != nil {
		return 0, fmt.Errorf("op=inbox.reap_expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (i *Inbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	ctx, span := inboxTracer.Start(ctx, "inbox.Cleanup")
	defer span.End()

	const cleanupSQL = `DELETE FROM inbox WHERE status = 'done' AND processed_utc < now() - make_interval(secs => $1)`
	tag, err := i.pool.Exec(ctx, cleanupSQL, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=inbox.cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (i *Inbox) Get(ctx context.Context, source string, messageID ids.MessageId) (*store.InboxRow, error) {
	ctx, span := inboxTracer.Start(ctx, "inbox.Get")
	defer span.End()

	const getSQL = `
SELECT source, message_id, topic, payload, COALESCE(hash, ''), first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, COALESCE(last_error, ''), locked_until, owner_token
FROM inbox WHERE source = $1 AND message_id = $2`

	row := i.pool.QueryRow(ctx, getSQL, source, messageID.String())
	r, err := scanInboxRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, rcerr.NotFound("inbox row (%s, %s) not found", source, messageID)
		}
		return nil, fmt.Errorf("op=inbox.get: %w", err)
	}
	return &r, nil
}

func (i *Inbox) ListDead(ctx context.Context, limit, offset int) ([]store.InboxRow, error) {
	ctx, span := inboxTracer.Start(ctx, "inbox.ListDead")
	defer span.End()

	const listSQL = `
SELECT source, message_id, topic, payload, COALESCE(hash, ''), first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, COALESCE(last_error, ''), locked_until, owner_token
FROM inbox WHERE status = 'dead'
ORDER BY processed_utc DESC NULLS LAST
LIMIT $1 OFFSET $2`

	rows, err := i.pool.Query(ctx, listSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=inbox.list_dead: %w", err)
	}
	defer rows.Close()

	var out []store.InboxRow
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=inbox.list_dead.scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (i *Inbox) Revive(ctx context.Context, source string, messageID ids.MessageId) error {
	ctx, span := inboxTracer.Start(ctx, "inbox.Revive")
	defer span.End()

	const reviveSQL = `
UPDATE inbox
SET status = 'seen', locked_until = NULL, owner_token = NULL, due_time_utc = NULL, processed_utc = NULL
WHERE source = $1 AND message_id = $2 AND status = 'dead'`

	tag, err := i.pool.Exec(ctx, reviveSQL, source, messageID.String())
	if err != nil {
		return fmt.Errorf("op=inbox.revive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rcerr.NotFound("inbox dead row (%s, %s) not found", source, messageID)
	}
	return nil
}
