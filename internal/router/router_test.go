package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

type stubBackend struct{ id string }

func (b *stubBackend) ID() string                     { return b.id }
func (b *stubBackend) Outbox() store.Outbox           { return nil }
func (b *stubBackend) Inbox() store.Inbox             { return nil }
func (b *stubBackend) Ping(ctx context.Context) error { return nil }

func TestRouter_GetResolvesRegisteredKey(t *testing.T) {
	tenantA := &stubBackend{id: "tenant-a"}
	r := New(map[string]store.Backend{"tenant-a": tenantA})

	got, err := r.Get("tenant-a")
	require.NoError(t, err)
	assert.Same(t, store.Backend(tenantA), got)
}

func TestRouter_GetUnknownKeyIsNotFound(t *testing.T) {
	r := New(map[string]store.Backend{})
	_, err := r.Get("missing")
	assert.True(t, rcerr.IsNotFound(err))
}

func TestRouter_OutboxAndInboxDelegateThroughGet(t *testing.T) {
	r := New(map[string]store.Backend{"tenant-a": &stubBackend{id: "tenant-a"}})

	_, err := r.Outbox("tenant-a")
	require.NoError(t, err)
	_, err = r.Inbox("tenant-a")
	require.NoError(t, err)

	_, err = r.Outbox("missing")
	assert.True(t, rcerr.IsNotFound(err))
}

func TestRouter_ConstructorCopiesInputMap(t *testing.T) {
	input := map[string]store.Backend{"a": &stubBackend{id: "a"}}
	r := New(input)
	input["b"] = &stubBackend{id: "b"}

	_, err := r.Get("b")
	assert.True(t, rcerr.IsNotFound(err), "mutating the caller's map after New must not affect the router")
}
