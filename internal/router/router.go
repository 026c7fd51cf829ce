// Package router resolves a routing key to the store-bound Outbox or
// Inbox a producer should enqueue against, for deployments that shard
// producers across multiple backing stores by a caller-chosen key
// (tenant id, region, ...).
package router

import (
	"github.com/relaycore/messaging/internal/rcerr"
	"github.com/relaycore/messaging/internal/store"
)

// Router maps a routing key to the store.Backend bound to it.
type Router struct {
	backends map[string]store.Backend
}

// New constructs a Router over the given key→backend bindings.
func New(backends map[string]store.Backend) *Router {
	cp := make(map[string]store.Backend, len(backends))
	for k, v := range backends {
		cp[k] = v
	}
	return &Router{backends: cp}
}

// Get returns the backend bound to key, or rcerr.ErrNotFound if key is
// unregistered.
func (r *Router) Get(key string) (store.Backend, error) {
	b, ok := r.backends[key]
	if !ok {
		return nil, rcerr.NotFound("router: unknown key %q", key)
	}
	return b, nil
}

// Outbox is a convenience that resolves key then returns its Outbox.
func (r *Router) Outbox(key string) (store.Outbox, error) {
	b, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return b.Outbox(), nil
}

// Inbox is a convenience that resolves key then returns its Inbox.
func (r *Router) Inbox(key string) (store.Inbox, error) {
	b, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return b.Inbox(), nil
}
