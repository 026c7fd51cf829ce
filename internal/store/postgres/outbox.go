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

var outboxTracer = otel.Tracer("store.postgres.outbox")

// JoinHook lets the Outbox atomically fold a join's completed/failed
// counter into the same transaction as Ack/Fail, without outbox importing
// the join package. internal/join/postgres's Store structurally satisfies
// this interface.
type JoinHook interface {
	MarkMemberCompleted(ctx context.Context, tx pgx.Tx, messageID ids.MessageId) error
	MarkMemberFailed(ctx context.Context, tx pgx.Tx, messageID ids.MessageId, cause error) error
}

// Outbox is the PostgreSQL-backed store.Outbox.
type Outbox struct {
	pool     *pgxpool.Pool
	joinHook JoinHook // optional; nil means no join coupling
}

// NewOutbox constructs an Outbox bound to pool. hook may be nil.
func NewOutbox(pool *pgxpool.Pool, hook JoinHook) *Outbox {
	return &Outbox{pool: pool, joinHook: hook}
}

var _ store.Outbox = (*Outbox)(nil)

func (o *Outbox) Enqueue(ctx context.Context, topic string, payload []byte, opts store.EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "outbox"))

	if topic == "" {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: topic must not be empty")
	}
	if len(topic) > 255 {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: topic exceeds 255 characters")
	}
	if payload == nil {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: payload must not be nil")
	}

	q, err := resolveTx(o.pool, opts.Tx)
	if err != nil {
		return ids.WorkItemId{}, ids.MessageId{}, err
	}

	workItemID := ids.NewWorkItemId()
	messageID := ids.NewMessageId()

	const insertSQL = `
INSERT INTO outbox (work_item_id, message_id, topic, payload, correlation_id, due_time_utc)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

	if _, err := q.Exec(ctx, insertSQL, workItemID.String(), messageID.String(), topic, payload, opts.CorrelationID, opts.DueTimeUTC); err != nil {
		return ids.WorkItemId{}, ids.MessageId{}, fmt.Errorf("op=outbox.enqueue: %w", err)
	}
	return workItemID, messageID, nil
}

const claimOutboxSQL = `
SELECT work_item_id, message_id, topic, payload, COALESCE(correlation_id, ''), created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       COALESCE(last_error, ''), processed_at, COALESCE(processed_by, '')
FROM outbox
WHERE status = 'ready'
  AND next_attempt_at <= now()
  AND (due_time_utc IS NULL OR due_time_utc <= now())
ORDER BY next_attempt_at ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`

const lockOutboxSQL = `
UPDATE outbox
SET status = 'in_progress', locked_until = now() + make_interval(secs => $2), owner_token = $3
WHERE work_item_id = $1`

func (o *Outbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]store.OutboxRow, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "outbox"))

	if leaseSeconds <= 0 {
		return nil, rcerr.InvalidArgument("outbox.claim: leaseSeconds must be > 0, got %d", leaseSeconds)
	}
	if batchSize <= 0 {
		return nil, rcerr.InvalidArgument("outbox.claim: batchSize must be > 0, got %d", batchSize)
	}

	tx, err := o.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, claimOutboxSQL, batchSize)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim.select: %w", err)
	}

	var claimed []store.OutboxRow
	var scanErr error
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			scanErr = err
			break
		}
		claimed = append(claimed, r)
	}
	rowsErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("op=outbox.claim.scan: %w", scanErr)
	}
	if rowsErr != nil {
		return nil, fmt.Errorf("op=outbox.claim.rows: %w", rowsErr)
	}

	for i := range claimed {
		if _, err := tx.Exec(ctx, lockOutboxSQL, claimed[i].WorkItemId.String(), leaseSeconds, owner.String()); err != nil {
			return nil, fmt.Errorf("op=outbox.claim.lock: %w", err)
		}
		claimed[i].Status = store.OutboxInProgress
		claimed[i].OwnerToken = &owner
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=outbox.claim.commit: %w", err)
	}
	return claimed, nil
}

// rowScanner is the Scan-only subset shared by pgx.Row and pgx.Rows, so a
// single scan function serves Get (one row) and Claim/ListFailed (many).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(row rowScanner) (store.OutboxRow, error) {
	var r store.OutboxRow
	var workItemID, messageID string
	var ownerToken *string
	if err := row.Scan(
		&workItemID, &messageID, &r.Topic, &r.Payload, &r.CorrelationID, &r.CreatedAt,
		&r.DueTimeUTC, &r.NextAttemptAt, &r.Status, &r.LockedUntil, &ownerToken, &r.RetryCount,
		&r.LastError, &r.ProcessedAt, &r.ProcessedBy,
	); err != nil {
		return store.OutboxRow{}, err
	}
	wid, err := ids.ParseWorkItemId(workItemID)
	if err != nil {
		return store.OutboxRow{}, err
	}
	mid, err := ids.ParseMessageId(messageID)
	if err != nil {
		return store.OutboxRow{}, err
	}
	r.WorkItemId = wid
	r.MessageId = mid
	if ownerToken != nil {
		ot, err := ids.ParseOwnerToken(*ownerToken)
		if err != nil {
			return store.OutboxRow{}, err
		}
		r.OwnerToken = &ot
	}
	return r, nil
}

func (o *Outbox) Ack(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId) error {
	ctx, span := outboxTracer.Start(ctx, "outbox.Ack")
	defer span.End()

	if items == nil {
		return rcerr.InvalidArgument("outbox.ack: items must not be nil")
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := o.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=outbox.ack.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ackSQL = `
UPDATE outbox
SET status = 'done', processed_at = now(), processed_by = $3, locked_until = NULL
WHERE work_item_id = $1 AND owner_token = $2 AND status = 'in_progress'
RETURNING message_id`

	for _, item := range items {
		row := tx.QueryRow(ctx, ackSQL, item.String(), owner.String(), owner.String())
		var messageIDStr string
		if err := row.Scan(&messageIDStr); err != nil {
			if err == pgx.ErrNoRows {
				continue // mismatched owner/status: silently ignored per contract
			}
			return fmt.Errorf("op=outbox.ack.update: %w", err)
		}
		if o.joinHook != nil {
			messageID, err := ids.ParseMessageId(messageIDStr)
			if err != nil {
				return fmt.Errorf("op=outbox.ack.parse_message_id: %w", err)
			}
			if err := o.joinHook.MarkMemberCompleted(ctx, tx, messageID); err != nil {
				return fmt.Errorf("op=outbox.ack.join_hook: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=outbox.ack.commit: %w", err)
	}
	return nil
}

func (o *Outbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, opts store.AbandonOptions) error {
	ctx, span := outboxTracer.Start(ctx, "outbox.Abandon")
	defer span.End()

	if items == nil {
		return rcerr.InvalidArgument("outbox.abandon: items must not be nil")
	}
	if len(items) == 0 {
		return nil
	}
	if opts.Delay != nil && *opts.Delay <= 0 {
		return rcerr.InvalidArgument("outbox.abandon: delay must be > 0, got %s", *opts.Delay)
	}

	var delaySeconds float64
	if opts.Delay != nil {
		delaySeconds = opts.Delay.Seconds()
	}

	const abandonSQL = `
UPDATE outbox
SET status = 'ready',
    retry_count = retry_count + 1,
    last_error = NULLIF($4, ''),
    locked_until = NULL,
    owner_token = NULL,
    next_attempt_at = CASE
        WHEN $3 > 0 THEN now() + make_interval(secs => $3)
        ELSE now() + make_interval(secs => LEAST(POWER(2, retry_count + 1) * 0.25, 60))
    END
WHERE work_item_id = $1 AND owner_token = $2 AND status = 'in_progress'`

	for _, item := range items {
		if _, err := o.pool.Exec(ctx, abandonSQL, item.String(), owner.String(), delaySeconds, opts.LastError); err != nil {
			return fmt.Errorf("op=outbox.abandon: %w", err)
		}
	}
	return nil
}

func (o *Outbox) Fail(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, cause error) error {
	ctx, span := outboxTracer.Start(ctx, "outbox.Fail")
	defer span.End()

	if cause == nil {
		return rcerr.InvalidArgument("outbox.fail: cause must not be nil")
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := o.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=outbox.fail.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const failSQL = `
UPDATE outbox
SET status = 'failed', last_error = $3, locked_until = NULL, processed_at = now()
WHERE work_item_id = $1 AND owner_token = $2 AND status = 'in_progress'
RETURNING message_id`

	for _, item := range items {
		row := tx.QueryRow(ctx, failSQL, item.String(), owner.String(), cause.Error())
		var messageIDStr string
		if err := row.Scan(&messageIDStr); err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return fmt.Errorf("op=outbox.fail.update: %w", err)
		}
		if o.joinHook != nil {
			messageID, err := ids.ParseMessageId(messageIDStr)
			if err != nil {
				return fmt.Errorf("op=outbox.fail.parse_message_id: %w", err)
			}
			if err := o.joinHook.MarkMemberFailed(ctx, tx, messageID, cause); err != nil {
				return fmt.Errorf("op=outbox.fail.join_hook: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=outbox.fail.commit: %w", err)
	}
	return nil
}

func (o *Outbox) ReapExpired(ctx context.Context) (int, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.ReapExpired")
	defer span.End()

	const reapSQL = `
UPDATE outbox
SET status = 'ready', locked_until = NULL, owner_token = NULL
WHERE status = 'in_progress' AND locked_until < now()`

	tag, err := o.pool.Exec(ctx, reapSQL)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.reap_expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (o *Outbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.Cleanup")
	defer span.End()

	const cleanupSQL = `DELETE FROM outbox WHERE status = 'done' AND processed_at < now() - make_interval(secs => $1)`
	tag, err := o.pool.Exec(ctx, cleanupSQL, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (o *Outbox) Get(ctx context.Context, id ids.WorkItemId) (*store.OutboxRow, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.Get")
	defer span.End()

	const getSQL = `
SELECT work_item_id, message_id, topic, payload, COALESCE(correlation_id, ''), created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       COALESCE(last_error, ''), processed_at, COALESCE(processed_by, '')
FROM outbox WHERE work_item_id = $1`

	row := o.pool.QueryRow(ctx, getSQL, id.String())
	r, err := scanOutboxRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, rcerr.NotFound("outbox row %s not found", id)
		}
		return nil, fmt.Errorf("op=outbox.get: %w", err)
	}
	return &r, nil
}

func (o *Outbox) ListFailed(ctx context.Context, limit, offset int) ([]store.OutboxRow, error) {
	ctx, span := outboxTracer.Start(ctx, "outbox.ListFailed")
	defer span.End()

	const listSQL = `
SELECT work_item_id, message_id, topic, payload, COALESCE(correlation_id, ''), created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       COALESCE(last_error, ''), processed_at, COALESCE(processed_by, '')
FROM outbox WHERE status = 'failed'
ORDER BY processed_at DESC NULLS LAST
LIMIT $1 OFFSET $2`

	rows, err := o.pool.Query(ctx, listSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list_failed: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.list_failed.scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
