// Package store defines the Outbox/Inbox queue primitive: the minimal
// contract every database-backed implementation (postgres, sqlite, ...)
// must satisfy, and the row/item shapes that contract exchanges.
// Concrete drivers live in internal/store/<driver>.
package store

import (
	"context"
	"time"

	"github.com/relaycore/messaging/internal/ids"
)

// OutboxStatus is the lifecycle state of an Outbox row.
type OutboxStatus string

const (
	OutboxReady      OutboxStatus = "ready"
	OutboxInProgress OutboxStatus = "in_progress"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// InboxStatus is the lifecycle state of an Inbox row.
type InboxStatus string

const (
	InboxSeen       InboxStatus = "seen"
	InboxProcessing InboxStatus = "processing"
	InboxDone       InboxStatus = "done"
	InboxDead       InboxStatus = "dead"
)

// OutboxRow is the full persisted shape of one Outbox record.
type OutboxRow struct {
	WorkItemId    ids.WorkItemId
	MessageId     ids.MessageId
	Topic         string
	Payload       []byte
	CorrelationID string // empty means absent
	CreatedAt     time.Time
	DueTimeUTC    *time.Time
	NextAttemptAt time.Time

	Status      OutboxStatus
	LockedUntil *time.Time
	OwnerToken  *ids.OwnerToken

	RetryCount int
	LastError  string

	ProcessedAt *time.Time
	ProcessedBy string
}

// InboxRow is the full persisted shape of one Inbox record, keyed by the
// natural key (Source, MessageId).
type InboxRow struct {
	Source    string
	MessageId ids.MessageId
	Topic     string
	Payload   []byte
	Hash      string

	FirstSeenUTC time.Time
	LastSeenUTC  time.Time
	ProcessedUTC *time.Time
	DueTimeUTC   *time.Time

	Attempts int
	Status   InboxStatus

	LastError   string
	LockedUntil *time.Time
	OwnerToken  *ids.OwnerToken
}

// Tx is an opaque caller-provided transaction handle. When present, a
// driver's Enqueue call must join it rather than opening its own
// transaction; concrete drivers type-assert Tx to their native type
// (pgx.Tx for postgres, *sql.Tx for sqlite) and return InvalidArgument if
// given a handle from the wrong driver.
type Tx any

// EnqueueOutboxOptions carries the optional parameters of Outbox.Enqueue.
type EnqueueOutboxOptions struct {
	CorrelationID string
	DueTimeUTC    *time.Time
	Tx            Tx
}

// EnqueueInboxOptions carries the optional parameters of Inbox.Enqueue.
type EnqueueInboxOptions struct {
	Hash       string
	DueTimeUTC *time.Time
	Tx         Tx
}

// AbandonOptions carries the optional parameters of abandon.
type AbandonOptions struct {
	LastError string
	Delay     *time.Duration // nil means "use the default backoff policy"
}

// Outbox is the queue primitive for outgoing messages.
type Outbox interface {
	// Enqueue inserts a new Ready row. Returns InvalidArgument if topic is
	// empty/too long or payload is nil.
	Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOutboxOptions) (ids.WorkItemId, ids.MessageId, error)

	// Claim atomically leases up to batchSize eligible rows under owner,
	// returning InvalidArgument for non-positive leaseSeconds/batchSize.
	Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]OutboxRow, error)

	// Ack transitions matching InProgress rows owned by owner to Done.
	// Null ids is InvalidArgument; empty ids is a no-op; mismatches are
	// silently ignored.
	Ack(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId) error

	// Abandon returns matching rows to Ready with retryCount incremented
	// and nextAttemptAt advanced.
	Abandon(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, opts AbandonOptions) error

	// Fail transitions matching rows to Failed. A nil cause is
	// InvalidArgument.
	Fail(ctx context.Context, owner ids.OwnerToken, items []ids.WorkItemId, cause error) error

	// ReapExpired clears the lease on every InProgress row whose
	// lockedUntil has passed, returning them to Ready. Returns the count
	// reaped.
	ReapExpired(ctx context.Context) (int, error)

	// Cleanup deletes Done rows whose processedAt predates retention.
	// Returns the count deleted.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	// Get loads a single row by id, returning rcerr.ErrNotFound if absent.
	Get(ctx context.Context, id ids.WorkItemId) (*OutboxRow, error)

	// ListFailed returns a page of Failed rows, most recent first, for
	// dead-letter inspection.
	ListFailed(ctx context.Context, limit, offset int) ([]OutboxRow, error)
}

// InboxKey is the natural key of an Inbox row: (source, messageId). Inbox
// has no single-column primary key the way Outbox has WorkItemId, so
// claim/ack/abandon/fail identify rows by this pair.
type InboxKey struct {
	Source    string
	MessageId ids.MessageId
}

// Inbox is the queue primitive for deduplicated incoming messages.
// Enqueue has upsert semantics: a second call for the same (source,
// messageId) refreshes lastSeenUtc and, if the row is still
// pre-terminal, its content, but never resurrects a Done row.
type Inbox interface {
	// Enqueue upserts a Seen row keyed by (source, messageId).
	Enqueue(ctx context.Context, topic, source string, messageID ids.MessageId, payload []byte, opts EnqueueInboxOptions) error

	Claim(ctx context.Context, owner ids.OwnerToken, leaseSeconds int, batchSize int) ([]InboxRow, error)
	Ack(ctx context.Context, owner ids.OwnerToken, items []InboxKey) error
	Abandon(ctx context.Context, owner ids.OwnerToken, items []InboxKey, opts AbandonOptions) error
	Fail(ctx context.Context, owner ids.OwnerToken, items []InboxKey, cause error) error
	ReapExpired(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	// Get loads a single row by its natural key.
	Get(ctx context.Context, source string, messageID ids.MessageId) (*InboxRow, error)

	// ListDead returns a page of Dead rows, most recent first.
	ListDead(ctx context.Context, limit, offset int) ([]InboxRow, error)

	// Revive moves a Dead row back to Seen, clearing its lease but
	// preserving Attempts/LastError for forensics.
	Revive(ctx context.Context, source string, messageID ids.MessageId) error
}

// Backend bundles one database's Outbox and Inbox under a human-readable
// identifier, the unit the multi-store coordinator iterates over.
type Backend interface {
	ID() string
	Outbox() Outbox
	Inbox() Inbox
	Ping(ctx context.Context) error
}
