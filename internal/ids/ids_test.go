package ids

import "testing"

func TestRoundTrip(t *testing.T) {
	w := NewWorkItemId()
	got, err := ParseWorkItemId(w.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != w {
		t.Fatalf("round trip mismatch: got %s want %s", got, w)
	}
	if w.IsZero() {
		t.Fatalf("freshly generated id reported zero")
	}
}

func TestZeroValue(t *testing.T) {
	var m MessageId
	if !m.IsZero() {
		t.Fatalf("zero value MessageId should report IsZero")
	}
	var o OwnerToken
	if !o.IsZero() {
		t.Fatalf("zero value OwnerToken should report IsZero")
	}
	var j JoinId
	if !j.IsZero() {
		t.Fatalf("zero value JoinId should report IsZero")
	}
}

func TestDistinctGeneration(t *testing.T) {
	if NewMessageId() == NewMessageId() {
		t.Fatalf("two generated MessageIds collided")
	}
	if NewOwnerToken() == NewOwnerToken() {
		t.Fatalf("two generated OwnerTokens collided")
	}
}
