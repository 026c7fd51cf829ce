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

// Inbox is the sqlite-backed store.Inbox.
type Inbox struct {
	db *sql.DB
}

// NewInbox constructs an Inbox bound to db.
func NewInbox(db *sql.DB) *Inbox {
	return &Inbox{db: db}
}

var _ store.Inbox = (*Inbox)(nil)

func (i *Inbox) Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts store.EnqueueInboxOptions) error {
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

	q, err := resolveTx(i.db, opts.Tx)
	if err != nil {
		return err
	}

	now := formatTime(time.Now().UTC())

	const upsertSQL = `
INSERT INTO inbox (source, message_id, topic, payload, hash, first_seen_utc, last_seen_utc, due_time_utc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source, message_id) DO UPDATE SET
    last_seen_utc = excluded.last_seen_utc,
    topic = CASE WHEN inbox.status <> 'done' THEN excluded.topic ELSE inbox.topic END,
    payload = CASE WHEN inbox.status <> 'done' THEN excluded.payload ELSE inbox.payload END,
    hash = CASE WHEN inbox.status <> 'done' THEN excluded.hash ELSE inbox.hash END,
    due_time_utc = CASE WHEN inbox.status <> 'done' THEN excluded.due_time_utc ELSE inbox.due_time_utc END`

	if _, err := q.ExecContext(ctx, upsertSQL, source, messageID.String(), topic, payload, opts.Hash, now, now, formatTimePtr(opts.DueTimeUTC)); err != nil {
		return fmt.Errorf("op=inbox.enqueue: %w", err)
	}
	return nil
}

const claimInboxSQL = `
SELECT source, message_id, topic, payload, hash, first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, last_error, locked_until, owner_token
FROM inbox
WHERE status = 'seen'
  AND (due_time_utc IS NULL OR due_time_utc <= ?)
ORDER BY first_seen_utc ASC
LIMIT ?`

const lockInboxSQL = `
UPDATE inbox
SET status = 'processing', locked_until = ?, owner_token = ?, attempts = attempts + 1
WHERE source = ? AND message_id = ?`

func (i *Inbox) Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]store.InboxRow, error) {
	if leaseSeconds <= 0 {
		return nil, rcerr.InvalidArgument("inbox.claim: leaseSeconds must be > 0, got %d", leaseSeconds)
	}
	if batchSize <= 0 {
		return nil, rcerr.InvalidArgument("inbox.claim: batchSize must be > 0, got %d", batchSize)
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("op=inbox.claim.begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, claimInboxSQL, formatTime(now), batchSize)
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

	lockedUntil := formatTime(now.Add(time.Duration(leaseSeconds) * time.Second))
	for idx := range claimed {
		if _, err := tx.ExecContext(ctx, lockInboxSQL, lockedUntil, owner.String(), claimed[idx].Source, claimed[idx].MessageId.String()); err != nil {
			return nil, fmt.Errorf("op=inbox.claim.lock: %w", err)
		}
		claimed[idx].Status = store.InboxProcessing
		claimed[idx].OwnerToken = &owner
		claimed[idx].Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=inbox.claim.commit: %w", err)
	}
	return claimed, nil
}

func scanInboxRow(row rowScanner) (store.InboxRow, error) {
	var r store.InboxRow
	var messageID string
	var firstSeen, lastSeen string
	var processedUTC, dueTimeUTC, lockedUntil, ownerToken sql.NullString
	if err := row.Scan(
		&r.Source, &messageID, &r.Topic, &r.Payload, &r.Hash, &firstSeen, &lastSeen,
		&processedUTC, &dueTimeUTC, &r.Attempts, &r.Status, &r.LastError, &lockedUntil, &ownerToken,
	); err != nil {
		return store.InboxRow{}, err
	}
	mid, err := ids.ParseMessageId(messageID)
	if err != nil {
		return store.InboxRow{}, err
	}
	r.MessageId = mid
	if r.FirstSeenUTC, err = parseTime(firstSeen); err != nil {
		return store.InboxRow{}, err
	}
	if r.LastSeenUTC, err = parseTime(lastSeen); err != nil {
		return store.InboxRow{}, err
	}
	if r.ProcessedUTC, err = parseTimePtr(processedUTC); err != nil {
		return store.InboxRow{}, err
	}
	if r.DueTimeUTC, err = parseTimePtr(dueTimeUTC); err != nil {
		return store.InboxRow{}, err
	}
	if r.LockedUntil, err = parseTimePtr(lockedUntil); err != nil {
		return store.InboxRow{}, err
	}
	if ownerToken.Valid {
		ot, err := ids.ParseOwnerToken(ownerToken.String)
		if err != nil {
			return store.InboxRow{}, err
		}
		r.OwnerToken = &ot
	}
	return r, nil
}

func (i *Inbox) Ack(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey) error {
	if items == nil {
		return rcerr.InvalidArgument("inbox.ack: items must not be nil")
	}

	const ackSQL = `
UPDATE inbox
SET status = 'done', processed_utc = ?, locked_until = NULL
WHERE source = ? AND message_id = ? AND owner_token = ? AND status = 'processing'`

	now := formatTime(time.Now().UTC())
	for _, item := range items {
		if _, err := i.db.ExecContext(ctx, ackSQL, now, item.Source, item.MessageId.String(), owner.String()); err != nil {
			return fmt.Errorf("op=inbox.ack: %w", err)
		}
	}
	return nil
}

func (i *Inbox) Abandon(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, opts store.AbandonOptions) error {
	if items == nil {
		return rcerr.InvalidArgument("inbox.abandon: items must not be nil")
	}
	if opts.Delay != nil && *opts.Delay <= 0 {
		return rcerr.InvalidArgument("inbox.abandon: delay must be > 0, got %s", *opts.Delay)
	}

	const selectSQL = `SELECT attempts FROM inbox WHERE source = ? AND message_id = ? AND owner_token = ? AND status = 'processing'`
	const abandonSQL = `
UPDATE inbox
SET status = 'seen', last_error = ?, locked_until = NULL, owner_token = NULL, due_time_utc = ?
WHERE source = ? AND message_id = ? AND owner_token = ? AND status = 'processing'`

	now := time.Now().UTC()
	for _, item := range items {
		tx, err := i.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("op=inbox.abandon.begin: %w", err)
		}

		var attempts int
		err = tx.QueryRowContext(ctx, selectSQL, item.Source, item.MessageId.String(), owner.String()).Scan(&attempts)
		if err == sql.ErrNoRows {
			_ = tx.Rollback()
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=inbox.abandon.select: %w", err)
		}

		var delay time.Duration
		if opts.Delay != nil {
			delay = *opts.Delay
		} else {
			capped := math.Min(math.Pow(2, float64(attempts+1))*0.25, 60)
			delay = time.Duration(capped * float64(time.Second))
		}

		if _, err := tx.ExecContext(ctx, abandonSQL, opts.LastError, formatTime(now.Add(delay)), item.Source, item.MessageId.String(), owner.String()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=inbox.abandon: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("op=inbox.abandon.commit: %w", err)
		}
	}
	return nil
}

func (i *Inbox) Fail(ctx context.Context, owner ids.OwnerToken, items []store.InboxKey, cause error) error {
	if cause == nil {
		return rcerr.InvalidArgument("inbox.fail: cause must not be nil")
	}

	const failSQL = `
UPDATE inbox
SET status = 'dead', last_error = ?, locked_until = NULL, processed_utc = ?
WHERE source = ? AND message_id = ? AND owner_token = ? AND status = 'processing'`

	now := formatTime(time.Now().UTC())
	for _, item := range items {
		if _, err := i.db.ExecContext(ctx, failSQL, cause.Error(), now, item.Source, item.MessageId.String(), owner.String()); err != nil {
			return fmt.Errorf("op=inbox.fail: %w", err)
		}
	}
	return nil
}

func (i *Inbox) ReapExpired(ctx context.Context) (int, error) {
	const reapSQL = `
UPDATE inbox
SET status = 'seen', locked_until = NULL, owner_token = NULL
WHERE status = 'processing' AND locked_until < ?`

	res, err := i.db.ExecContext(ctx, reapSQL, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("op=inbox.reap_expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (i *Inbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	const cleanupSQL = `DELETE FROM inbox WHERE status = 'done' AND processed_utc < ?`
	res, err := i.db.ExecContext(ctx, cleanupSQL, formatTime(time.Now().UTC().Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("op=inbox.cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (i *Inbox) Get(ctx context.Context, source string, messageID ids.MessageId) (*store.InboxRow, error) {
	const getSQL = `
SELECT source, message_id, topic, payload, hash, first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, last_error, locked_until, owner_token
FROM inbox WHERE source = ? AND message_id = ?`

	row := i.db.QueryRowContext(ctx, getSQL, source, messageID.String())
	r, err := scanInboxRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rcerr.NotFound("inbox row (%s, %s) not found", source, messageID)
		}
		return nil, fmt.Errorf("op=inbox.get: %w", err)
	}
	return &r, nil
}

func (i *Inbox) ListDead(ctx context.Context, limit, offset int) ([]store.InboxRow, error) {
	const listSQL = `
SELECT source, message_id, topic, payload, hash, first_seen_utc, last_seen_utc,
       processed_utc, due_time_utc, attempts, status, last_error, locked_until, owner_token
FROM inbox WHERE status = 'dead'
ORDER BY processed_utc DESC
LIMIT ? OFFSET ?`

	rows, err := i.db.QueryContext(ctx, listSQL, limit, offset)
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
	const reviveSQL = `
UPDATE inbox
SET status = 'seen', locked_until = NULL, owner_token = NULL, due_time_utc = NULL, processed_utc = NULL
WHERE source = ? AND message_id = ? AND status = 'dead'`

	res, err := i.db.ExecContext(ctx, reviveSQL, source, messageID.String())
	if err != nil {
		return fmt.Errorf("op=inbox.revive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=inbox.revive.rows_affected: %w", err)
	}
	if n == 0 {
		return rcerr.NotFound("inbox dead row (%s, %s) not found", source, messageID)
	}
	return nil
}
