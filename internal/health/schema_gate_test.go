package health

import (
	"context"
	"testing"
	"time"
)

func TestSchemaReadyGate_BlocksUntilMarked(t *testing.T) {
	g := NewSchemaReadyGate()
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("gate returned before MarkReady")
	case <-time.After(30 * time.Millisecond):
	}

	g.MarkReady()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("gate did not unblock after MarkReady")
	}
}

func TestSchemaReadyGate_AlwaysReady(t *testing.T) {
	g := AlwaysReady()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("AlwaysReady gate should not block: %v", err)
	}
}

func TestSchemaReadyGate_RespectsCancellation(t *testing.T) {
	g := NewSchemaReadyGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestSchemaReadyGate_MarkReadyIdempotent(t *testing.T) {
	g := NewSchemaReadyGate()
	g.MarkReady()
	g.MarkReady() // must not panic on double close
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
