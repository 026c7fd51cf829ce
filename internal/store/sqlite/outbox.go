package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// JoinHook lets the Outbox atomically fold a join's completed/failed
// counter into the same transaction as Ack/Fail, without outbox importing
// the join package. No sqlite-backed join.Store exists yet, so callers
// pass nil here (see internal/store/postgres.JoinHook, which
// internal/join/postgres.Store satisfies, for the wired case).
type JoinHook interface {
	MarkMemberCompleted(ctx context.Context, tx *sql.Tx, messageID ids.MessageId) error
	MarkMemberFailed(ctx context.Context, tx *sql.Tx, messageID ids.MessageId, cause error) error
}

// Outbox is the sqlite-backed store.Outbox.
type Outbox struct {
	db       *sql.DB
	joinHook JoinHook // optional; nil means no join coupling
}

// NewOutbox constructs an Outbox bound to db. hook may be nil.
func NewOutbox(db *sql.DB, hook JoinHook) *Outbox {
	return &Outbox{db: db, joinHook: hook}
}

var _ store.Outbox = (*Outbox)(nil)

func (o *Outbox) Enqueue(ctx context.Context, topic string, payload []byte, opts store.EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error) {
	if topic == "" {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: topic must not be empty")
	}
	if len(topic) > 255 {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: topic exceeds 255 characters")
	}
	if payload == nil {
		return ids.WorkItemId{}, ids.MessageId{}, rcerr.InvalidArgument("outbox.enqueue: payload must not be nil")
	}

	q, err := resolveTx(o.db, opts.Tx)
	if err != nil {
		return ids.WorkItemId{}, ids.MessageId{}, err
	}

	workItemID := ids.NewWorkItemId()
	messageID := ids.NewMessageId()
	now := time.Now().UTC()

	const insertSQL = `
INSERT INTO outbox (work_item_id, message_id, topic, payload, correlation_id, created_at, due_time_utc, next_attempt_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := q.ExecContext(ctx, insertSQL, workItemID.String(), messageID.String(), topic, payload,
		opts.CorrelationID, formatTime(now), formatTimePtr(opts.DueTimeUTC), formatTime(now)); err != nil {
		return ids.WorkItemId{}, ids.MessageId{}, fmt.Errorf("op=outbox.enqueue: %w", err)
	}
	return workItemID, messageID, nil
}

const claimOutboxSQL = `
SELECT work_item_id, message_id, topic, payload, correlation_id, created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       last_error, processed_at, processed_by
FROM outbox
WHERE status = 'ready'
  AND next_attempt_at <= ?
  AND (due_time_utc IS NULL OR due_time_utc <= ?)
ORDER BY next_attempt_at ASC
LIMIT ?`

const lockOutboxSQL = `
UPDATE outbox
SET status = 'in_progress', locked_until = ?, owner_token = ?
WHERE work_item_id = ?`

func (o *Outbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]store.OutboxRow, error) {
	if leaseSeconds <= 0 {
		return nil, rcerr.InvalidArgument("outbox.claim: leaseSeconds must be > 0, got %d", leaseSeconds)
	}
	if batchSize <= 0 {
		return nil, rcerr.InvalidArgument("outbox.claim: batchSize must be > 0, got %d", batchSize)
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim.begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, claimOutboxSQL, formatTime(now), formatTime(now), batchSize)
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

	lockedUntil := formatTime(now.Add(time.Duration(leaseSeconds) * time.Second))
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, lockOutboxSQL, lockedUntil, owner.String(), claimed[i].WorkItemId.String()); err != nil {
			return nil, fmt.Errorf("op=outbox.claim.lock: %w", err)
		}
		claimed[i].Status = store.OutboxInProgress
		claimed[i].OwnerToken = &owner
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=outbox.claim.commit: %w", err)
	}
	return claimed, nil
}

// rowScanner is the Scan-only subset shared by *sql.Row and *sql.Rows, so
// a single scan function serves Get (one row) and Claim/ListFailed (many).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(row rowScanner) (store.OutboxRow, error) {
	var r store.OutboxRow
	var workItemID, messageID string
	var createdAt, nextAttemptAt string
	var dueTimeUTC, lockedUntil, processedAt, ownerToken sql.NullString
	if err := row.Scan(
		&workItemID, &messageID, &r.Topic, &r.Payload, &r.CorrelationID, &createdAt,
		&dueTimeUTC, &nextAttemptAt, &r.Status, &lockedUntil, &ownerToken, &r.RetryCount,
		&r.LastError, &processedAt, &r.ProcessedBy,
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
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.OutboxRow{}, err
	}
	if r.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return store.OutboxRow{}, err
	}
	if r.DueTimeUTC, err = parseTimePtr(dueTimeUTC); err != nil {
		return store.OutboxRow{}, err
	}
	if r.LockedUntil, err = parseTimePtr(lockedUntil); err != nil {
		return store.OutboxRow{}, err
	}
	if r.ProcessedAt, err = parseTimePtr(processedAt); err != nil {
		return store.OutboxRow{}, err
	}
	if ownerToken.Valid {
		ot, err := ids.ParseOwnerToken(ownerToken.String)
		if err != nil {
			return store.OutboxRow{}, err
		}
		r.OwnerToken = &ot
	}
	return r, nil
}

func (o *Outbox) Ack(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId) error {
	if items == nil {
		return rcerr.InvalidArgument("outbox.ack: items must not be nil")
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=outbox.ack.begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectSQL = `SELECT message_id FROM outbox WHERE work_item_id = ? AND owner_token = ? AND status = 'in_progress'`
	const ackSQL = `UPDATE outbox SET status = 'done', processed_at = ?, processed_by = ?, locked_until = NULL WHERE work_item_id = ?`

	now := formatTime(time.Now().UTC())
	for _, item := range items {
		var messageIDStr string
		if err := tx.QueryRowContext(ctx, selectSQL, item.String(), owner.String()).Scan(&messageIDStr); err != nil {
			if err == sql.ErrNoRows {
				continue // mismatched owner/status: silently ignored per contract
			}
			return fmt.Errorf("op=outbox.ack.select: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ackSQL, now, owner.String(), item.String()); err != nil {
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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=outbox.ack.commit: %w", err)
	}
	return nil
}

func (o *Outbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, opts store.AbandonOptions) error {
	if items == nil {
		return rcerr.InvalidArgument("outbox.abandon: items must not be nil")
	}
	if len(items) == 0 {
		return nil
	}
	if opts.Delay != nil && *opts.Delay <= 0 {
		return rcerr.InvalidArgument("outbox.abandon: delay must be > 0, got %s", *opts.Delay)
	}

	const selectSQL = `SELECT retry_count FROM outbox WHERE work_item_id = ? AND owner_token = ? AND status = 'in_progress'`
	const abandonSQL = `
UPDATE outbox
SET status = 'ready', retry_count = retry_count + 1, last_error = ?, locked_until = NULL,
    owner_token = NULL, next_attempt_at = ?
WHERE work_item_id = ? AND owner_token = ? AND status = 'in_progress'`

	now := time.Now().UTC()
	for _, item := range items {
		tx, err := o.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("op=outbox.abandon.begin: %w", err)
		}

		var retryCount int
		err = tx.QueryRowContext(ctx, selectSQL, item.String(), owner.String()).Scan(&retryCount)
		if err == sql.ErrNoRows {
			_ = tx.Rollback()
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=outbox.abandon.select: %w", err)
		}

		var delay time.Duration
		if opts.Delay != nil {
			delay = *opts.Delay
		} else {
			capped := math.Min(math.Pow(2, float64(retryCount+1))*0.25, 60)
			delay = time.Duration(capped * float64(time.Second))
		}

		if _, err := tx.ExecContext(ctx, abandonSQL, opts.LastError, formatTime(now.Add(delay)), item.String(), owner.String()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=outbox.abandon: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("op=outbox.abandon.commit: %w", err)
		}
	}
	return nil
}

func (o *Outbox) Fail(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, cause error) error {
	if cause == nil {
		return rcerr.InvalidArgument("outbox.fail: cause must not be nil")
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=outbox.fail.begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectSQL = `SELECT message_id FROM outbox WHERE work_item_id = ? AND owner_token = ? AND status = 'in_progress'`
	const failSQL = `UPDATE outbox SET status = 'failed', last_error = ?, locked_until = NULL, processed_at = ? WHERE work_item_id = ?`

	now := formatTime(time.Now().UTC())
	for _, item := range items {
		var messageIDStr string
		if err := tx.QueryRowContext(ctx, selectSQL, item.String(), owner.String()).Scan(&messageIDStr); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return fmt.Errorf("op=outbox.fail.select: %w", err)
		}
		if _, err := tx.ExecContext(ctx, failSQL, cause.Error(), now, item.String()); err != nil {
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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=outbox.fail.commit: %w", err)
	}
	return nil
}

func (o *Outbox) ReapExpired(ctx context.Context) (int, error) {
	const reapSQL = `UPDATE outbox SET status = 'ready', locked_until = NULL, owner_token = NULL WHERE status = 'in_progress' AND locked_until < ?`
	res, err := o.db.ExecContext(ctx, reapSQL, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("op=outbox.reap_expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *Outbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	const cleanupSQL = `DELETE FROM outbox WHERE status = 'done' AND processed_at < ?`
	res, err := o.db.ExecContext(ctx, cleanupSQL, formatTime(time.Now().UTC().Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("op=outbox.cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *Outbox) Get(ctx context.Context, id ids.WorkItemId) (*store.OutboxRow, error) {
	const getSQL = `
SELECT work_item_id, message_id, topic, payload, correlation_id, created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       last_error, processed_at, processed_by
FROM outbox WHERE work_item_id = ?`

	row := o.db.QueryRowContext(ctx, getSQL, id.String())
	r, err := scanOutboxRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rcerr.NotFound("outbox row %s not found", id)
		}
		return nil, fmt.Errorf("op=outbox.get: %w", err)
	}
	return &r, nil
}

func (o *Outbox) ListFailed(ctx context.Context, limit, offset int) ([]store.OutboxRow, error) {
	const listSQL = `
SELECT work_item_id, message_id, topic, payload, correlation_id, created_at,
       due_time_utc, next_attempt_at, status, locked_until, owner_token, retry_count,
       last_error, processed_at, processed_by
FROM outbox WHERE status = 'failed'
ORDER BY processed_at DESC
LIMIT ? OFFSET ?`

	rows, err := o.db.QueryContext(ctx, listSQL, limit, offset)
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
