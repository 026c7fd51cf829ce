package rcerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	ia := InvalidArgument("topic %q too long", "x")
	if !IsInvalidArgument(ia) || IsPermanent(ia) || IsTransient(ia) {
		t.Fatalf("InvalidArgument misclassified: %v", ia)
	}

	perm := Permanent(errors.New("bad data"))
	if !IsPermanent(perm) || IsInvalidArgument(perm) || IsTransient(perm) {
		t.Fatalf("Permanent misclassified: %v", perm)
	}

	jnr := JoinNotReady("abc")
	if !IsJoinNotReady(jnr) || !IsTransient(jnr) {
		t.Fatalf("JoinNotReady must be transient: %v", jnr)
	}

	plain := errors.New("boom")
	if !IsTransient(plain) {
		t.Fatalf("plain errors must default to transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil must not be transient")
	}
}

func TestWrappingPreservesClassification(t *testing.T) {
	perm := Permanent(errors.New("bad data"))
	wrapped := fmt.Errorf("handle: %w", perm)
	if !IsPermanent(wrapped) {
		t.Fatalf("wrapped Permanent must still classify as Permanent")
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("join %s", "j1")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound classification")
	}
	if !IsTransient(err) {
		t.Fatalf("NotFound is not InvalidArgument/Permanent, so it defaults transient")
	}
}
