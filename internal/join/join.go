// Package join defines the fan-in coordination primitive: a join tracks
// how many of its expected members have completed or failed, with counter
// updates coupled to the owning Outbox's ack/fail so application code
// never touches a counter directly. Concrete drivers live in
// internal/join/<driver>.
package join

import (
	"context"
	"time"

	"github.com/relaycore/messaging/internal/ids"
)

// Status is the terminal-or-not lifecycle state of a Join.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Join is the full persisted shape of one join row.
type Join struct {
	JoinId         ids.JoinId
	GroupingKey    string // empty means absent
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         Status
	CreatedUTC     time.Time
	LastUpdatedUTC time.Time
	Metadata       []byte
}

// Terminal reports whether every expected step has reported in.
func (j *Join) Terminal() bool {
	return j.CompletedSteps+j.FailedSteps >= j.ExpectedSteps
}

// Member is one (joinId, messageId) attachment and its completion state.
type Member struct {
	JoinId      ids.JoinId
	MessageId   ids.MessageId
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Store creates joins and tracks member progress. MarkCompleted/MarkFailed
// are normally invoked by the Outbox driver inside the same transaction as
// its own ack/fail (see internal/store/postgres.JoinHook); the methods are
// exported here too so callers without an Outbox coupling (tests, direct
// bookkeeping) can drive them explicitly.
type Store interface {
	// CreateJoin starts a new join expecting expectedSteps member
	// completions. Returns InvalidArgument if expectedSteps <= 0.
	CreateJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata []byte) (ids.JoinId, error)

	// AttachMember idempotently registers messageId as a member of
	// joinId. Returns NotFound if joinId is unknown. Does not touch
	// counters.
	AttachMember(ctx context.Context, joinID ids.JoinId, messageID ids.MessageId) error

	// MarkCompleted marks every still-pending member row referencing
	// messageId as completed and, for each one, increments its join's
	// completedSteps counter exactly once (guarded by completedSteps+
	// failedSteps < expectedSteps so a duplicate call is a no-op).
	MarkCompleted(ctx context.Context, messageID ids.MessageId) error

	// MarkFailed is MarkCompleted's failure-path twin.
	MarkFailed(ctx context.Context, messageID ids.MessageId, cause error) error

	// UpdateStatus writes the join's terminal status. Used by the join
	// wait handler once it has computed Completed vs Failed.
	UpdateStatus(ctx context.Context, joinID ids.JoinId, status Status) error

	// Get loads a join by id, returning rcerr.ErrNotFound if absent.
	Get(ctx context.Context, joinID ids.JoinId) (*Join, error)
}
