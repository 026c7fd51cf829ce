// Package memory implements an in-process fenced Lease Factory, for single-
// binary deployments and tests that don't need a shared lock across
// processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/messaging/internal/lease"
)

// Factory is the in-process lease.Factory. All leases it issues are only
// visible within this Factory instance.
type Factory struct {
	mu      sync.Mutex
	holders map[string]*memoryLease
}

// New constructs an empty in-process Factory.
func New() *Factory {
	return &Factory{holders: make(map[string]*memoryLease)}
}

var _ lease.Factory = (*Factory)(nil)

func (f *Factory) Acquire(ctx context.Context, resourceName string, duration time.Duration, ownerToken string) (lease.Lease, error) {
	if ownerToken == "" {
		ownerToken = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if existing, ok := f.holders[resourceName]; ok {
		if existing.ownerToken != ownerToken && existing.expiresAt.After(now) {
			return nil, nil // held by another non-expired owner
		}
	}

	l := &memoryLease{
		factory:      f,
		resourceName: resourceName,
		ownerToken:   ownerToken,
		duration:     duration,
		fencingToken: f.nextFencingTokenLocked(resourceName),
		expiresAt:    now.Add(duration),
		lost:         make(chan struct{}),
	}
	f.holders[resourceName] = l
	return l, nil
}

func (f *Factory) nextFencingTokenLocked(resourceName string) int64 {
	if existing, ok := f.holders[resourceName]; ok {
		return existing.fencingToken + 1
	}
	return 1
}

type memoryLease struct {
	factory      *Factory
	resourceName string
	ownerToken   string
	duration     time.Duration

	mu           sync.Mutex
	fencingToken int64
	expiresAt    time.Time
	lost         chan struct{}
	lostOnce     sync.Once
}

var _ lease.Lease = (*memoryLease)(nil)

func (l *memoryLease) ResourceName() string { return l.resourceName }

func (l *memoryLease) FencingToken() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fencingToken
}

func (l *memoryLease) Renew(ctx context.Context) error {
	if err := l.ThrowIfLost(); err != nil {
		return err
	}

	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()

	current, ok := l.factory.holders[l.resourceName]
	if !ok || current != l {
		l.markLost()
		return lease.ErrLost
	}

	l.mu.Lock()
	if time.Now().After(l.expiresAt) {
		l.mu.Unlock()
		l.markLost()
		return lease.ErrLost
	}
	l.fencingToken++
	l.expiresAt = time.Now().Add(l.duration)
	l.mu.Unlock()
	return nil
}

func (l *memoryLease) Lost() <-chan struct{} { return l.lost }

func (l *memoryLease) ThrowIfLost() error {
	select {
	case <-l.lost:
		return lease.ErrLost
	default:
		return nil
	}
}

func (l *memoryLease) Dispose(ctx context.Context) error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if current, ok := l.factory.holders[l.resourceName]; ok && current == l {
		// Expire the entry rather than delete it, so the next Acquire
		// continues this resource's fencing-token sequence.
		l.mu.Lock()
		l.expiresAt = time.Time{}
		l.mu.Unlock()
	}
	return nil
}

func (l *memoryLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}
