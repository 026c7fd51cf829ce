package health

import "context"

// SchemaReadyGate blocks the polling loop's first tick until schema
// deployment has completed. cmd/dispatcher creates one and marks it ready
// once the bundled EnsureSchema call (see internal/store/postgres) returns;
// when SkipSchemaEnsure is set it uses AlwaysReady instead.
type SchemaReadyGate struct {
	ready chan struct{}
}

// NewSchemaReadyGate returns a gate that is not yet ready.
func NewSchemaReadyGate() *SchemaReadyGate {
	return &SchemaReadyGate{ready: make(chan struct{})}
}

// AlwaysReady returns a gate that is immediately ready, for hosts with
// nothing to wait on.
func AlwaysReady() *SchemaReadyGate {
	g := NewSchemaReadyGate()
	g.MarkReady()
	return g
}

// MarkReady signals the gate. Safe to call multiple times.
func (g *SchemaReadyGate) MarkReady() {
	select {
	case <-g.ready:
	default:
		close(g.ready)
	}
}

// Wait blocks until the gate is ready or ctx is canceled.
func (g *SchemaReadyGate) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
