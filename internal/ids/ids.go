// Package ids defines the strong identifier types shared across the
// outbox, inbox, join and lease packages.
package ids

import "github.com/google/uuid"

// WorkItemId identifies a single queue row. It is stable across retries of
// that same row but is never reused once the row is created.
type WorkItemId uuid.UUID

// NewWorkItemId returns a freshly generated WorkItemId.
func NewWorkItemId() WorkItemId { return WorkItemId(uuid.New()) }

// String renders the canonical UUID form.
func (w WorkItemId) String() string { return uuid.UUID(w).String() }

// IsZero reports whether w is the nil UUID.
func (w WorkItemId) IsZero() bool { return uuid.UUID(w) == uuid.Nil }

// ParseWorkItemId parses s into a WorkItemId.
func ParseWorkItemId(s string) (WorkItemId, error) {
	u, err := uuid.Parse(s)
	return WorkItemId(u), err
}

// MessageId is the logical identity of a message. Unlike WorkItemId it is
// stable across stores, which is what lets a Join track a message's
// completion independently of which store row carries it.
type MessageId uuid.UUID

// NewMessageId returns a freshly generated MessageId.
func NewMessageId() MessageId { return MessageId(uuid.New()) }

func (m MessageId) String() string { return uuid.UUID(m).String() }

func (m MessageId) IsZero() bool { return uuid.UUID(m) == uuid.Nil }

// ParseMessageId parses s into a MessageId.
func ParseMessageId(s string) (MessageId, error) {
	u, err := uuid.Parse(s)
	return MessageId(u), err
}

// OwnerToken identifies a worker instance holding a claim. Ack/abandon/fail
// compare this value for equality; it carries no other semantics.
type OwnerToken uuid.UUID

// NewOwnerToken returns a freshly generated OwnerToken, typically one per
// worker process (or per dispatch tick, at the caller's discretion).
func NewOwnerToken() OwnerToken { return OwnerToken(uuid.New()) }

func (o OwnerToken) String() string { return uuid.UUID(o).String() }

func (o OwnerToken) IsZero() bool { return uuid.UUID(o) == uuid.Nil }

// ParseOwnerToken parses s into an OwnerToken.
func ParseOwnerToken(s string) (OwnerToken, error) {
	u, err := uuid.Parse(s)
	return OwnerToken(u), err
}

// JoinId identifies a fan-in coordination record.
type JoinId uuid.UUID

// NewJoinId returns a freshly generated JoinId.
func NewJoinId() JoinId { return JoinId(uuid.New()) }

func (j JoinId) String() string { return uuid.UUID(j).String() }

func (j JoinId) IsZero() bool { return uuid.UUID(j) == uuid.Nil }

// ParseJoinId parses s into a JoinId.
func ParseJoinId(s string) (JoinId, error) {
	u, err := uuid.Parse(s)
	return JoinId(u), err
}
