// Package postgres implements the Join Store on PostgreSQL, and exposes
// the transaction-scoped MarkMember{Completed,Failed} methods that let
// internal/store/postgres.Outbox fold join-counter updates into its own
// ack/fail transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/join"
	"github.com/relaycore/messaging/internal/rcerr"
)

var tracer = otel.Tracer("join.postgres")

// Store is the PostgreSQL-backed join.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store bound to pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ join.Store = (*Store)(nil)

func (s *Store) CreateJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata []byte) (ids.JoinId, error) {
	ctx, span := tracer.Start(ctx, "join.CreateJoin")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "outbox_join"))

	if expectedSteps <= 0 {
		return ids.JoinId{}, rcerr.InvalidArgument("join.create_join: expectedSteps must be > 0, got %d", expectedSteps)
	}

	joinID := ids.NewJoinId()
	const insertSQL = `
INSERT INTO outbox_join (join_id, grouping_key, expected_steps, metadata)
VALUES ($1, NULLIF($2, ''), $3, $4)`

	if _, err := s.pool.Exec(ctx, insertSQL, joinID.String(), groupingKey, expectedSteps, metadata); err != nil {
		return ids.JoinId{}, fmt.Errorf("op=join.create_join: %w", err)
	}
	return joinID, nil
}

func (s *Store) AttachMember(ctx context.Context, joinID ids.JoinId, messageID ids.MessageId) error {
	ctx, span := tracer.Start(ctx, "join.AttachMember")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "outbox_join_member"))

	const insertSQL = `
INSERT INTO outbox_join_member (join_id, message_id)
VALUES ($1, $2)
ON CONFLICT (join_id, message_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, insertSQL, joinID.String(), messageID.String()); err != nil {
		if isForeignKeyViolation(err) {
			return rcerr.NotFound("join.attach_member: join %s not found", joinID)
		}
		return fmt.Errorf("op=join.attach_member: %w", err)
	}
	return nil
}

// MarkCompleted opens its own transaction; it is the entrypoint for
// callers without an existing Outbox-coupled transaction.
func (s *Store) MarkCompleted(ctx context.Context, messageID ids.MessageId) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=join.mark_completed.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.MarkMemberCompleted(ctx, tx, messageID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=join.mark_completed.commit: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, messageID ids.MessageId, cause error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=join.mark_failed.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.MarkMemberFailed(ctx, tx, messageID, cause); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=join.mark_failed.commit: %w", err)
	}
	return nil
}

// MarkMemberCompleted implements the counter-coupled half of
// store/postgres.JoinHook: it marks every still-pending member row
// referencing messageID completed, and for each one, increments its
// parent join's completedSteps counter exactly once. Must run inside the
// caller's transaction so this and the Outbox row transition commit or
// roll back together.
func (s *Store) MarkMemberCompleted(ctx context.Context, tx pgx.Tx, messageID ids.MessageId) error {
	return s.markMember(ctx, tx, messageID, "completed_at", "completed_steps")
}

func (s *Store) MarkMemberFailed(ctx context.Context, tx pgx.Tx, messageID ids.MessageId, cause error) error {
	_ = cause // the member row records only a timestamp; the cause lives on the Outbox row's lastError
	return s.markMember(ctx, tx, messageID, "failed_at", "failed_steps")
}

func (s *Store) markMember(ctx context.Context, tx pgx.Tx, messageID ids.MessageId, timestampCol, counterCol string) error {
	ctx, span := tracer.Start(ctx, "join.markMember")
	defer span.End()

	const selectSQL = `
SELECT join_id FROM outbox_join_member
WHERE message_id = $1 AND completed_at IS NULL AND failed_at IS NULL
FOR UPDATE`

	rows, err := tx.Query(ctx, selectSQL, messageID.String())
	if err != nil {
		return fmt.Errorf("op=join.mark_member.select: %w", err)
	}
	var joinIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("op=join.mark_member.scan: %w", err)
		}
		joinIDs = append(joinIDs, id)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return fmt.Errorf("op=join.mark_member.rows: %w", rowsErr)
	}
	if len(joinIDs) == 0 {
		return nil // no pending member for this message: already marked, or no join attached
	}

	markSQL := fmt.Sprintf(`UPDATE outbox_join_member SET %s = now() WHERE join_id = $1 AND message_id = $2`, timestampCol)
	bumpSQL := fmt.Sprintf(`
UPDATE outbox_join
SET %s = %s + 1, last_updated_utc = now()
WHERE join_id = $1 AND completed_steps + failed_steps < expected_steps`, counterCol, counterCol)

	for _, joinID := range joinIDs {
		if _, err := tx.Exec(ctx, markSQL, joinID, messageID.String()); err != nil {
			return fmt.Errorf("op=join.mark_member.mark: %w", err)
		}
		if _, err := tx.Exec(ctx, bumpSQL, joinID); err != nil {
			return fmt.Errorf("op=join.mark_member.bump: %w", err)
		}
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, joinID ids.JoinId, status join.Status) error {
	ctx, span := tracer.Start(ctx, "join.UpdateStatus")
	defer span.End()

	const updateSQL = `UPDATE outbox_join SET status = $2, last_updated_utc = now() WHERE join_id = $1`
	tag, err := s.pool.Exec(ctx, updateSQL, joinID.String(), string(status))
	if err != nil {
		return fmt.Errorf("op=join.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rcerr.NotFound("join.update_status: join %s not found", joinID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, joinID ids.JoinId) (*join.Join, error) {
	ctx, span := tracer.Start(ctx, "join.Get")
	defer span.End()

	const getSQL = `
SELECT join_id, COALESCE(grouping_key, ''), expected_steps, completed_steps, failed_steps,
       status, created_utc, last_updated_utc, metadata
FROM outbox_join WHERE join_id = $1`

	row := s.pool.QueryRow(ctx, getSQL, joinID.String())
	var j join.Join
	var id string
	var statusStr string
	if err := row.Scan(&id, &j.GroupingKey, &j.ExpectedSteps, &j.CompletedSteps, &j.FailedSteps,
		&statusStr, &j.CreatedUTC, &j.LastUpdatedUTC, &j.Metadata); err != nil {
		if err == pgx.ErrNoRows {
			return nil, rcerr.NotFound("join %s not found", joinID)
		}
		return nil, fmt.Errorf("op=join.get: %w", err)
	}
	parsed, err := ids.ParseJoinId(id)
	if err != nil {
		return nil, fmt.Errorf("op=join.get.parse: %w", err)
	}
	j.JoinId = parsed
	j.Status = join.Status(statusStr)
	return &j, nil
}

// foreignKeyViolation is the Postgres SQLSTATE for a violated FK
// constraint, raised here when AttachMember references an unknown join.
const foreignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
