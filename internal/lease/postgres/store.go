// Package postgres implements a table-backed fenced Lease Factory: one row
// per resource in relay_lease, with ownership and the fencing token
// advanced by a conditional UPSERT.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/messaging/internal/lease"
)

// pollInterval is how often a held lease checks whether it has expired or
// been stolen, so Lost() fires promptly rather than only on explicit
// Renew/ThrowIfLost calls.
const pollInterval = 2 * time.Second

// Factory is the PostgreSQL-backed lease.Factory.
type Factory struct {
	pool *pgxpool.Pool
}

// New constructs a Factory bound to pool.
func New(pool *pgxpool.Pool) *Factory {
	return &Factory{pool: pool}
}

var _ lease.Factory = (*Factory)(nil)

const acquireSQL = `
INSERT INTO relay_lease (resource_name, owner_token, fencing_token, expires_at)
VALUES ($1, $2, 1, now() + make_interval(secs => $3))
ON CONFLICT (resource_name) DO UPDATE
SET owner_token = EXCLUDED.owner_token,
    fencing_token = relay_lease.fencing_token + 1,
    expires_at = EXCLUDED.expires_at
WHERE relay_lease.expires_at < now() OR relay_lease.owner_token = EXCLUDED.owner_token
RETURNING fencing_token`

func (f *Factory) Acquire(ctx context.Context, resourceName string, duration time.Duration, ownerToken string) (lease.Lease, error) {
	if ownerToken == "" {
		ownerToken = uuid.NewString()
	}

	row := f.pool.QueryRow(ctx, acquireSQL, resourceName, ownerToken, duration.Seconds())
	var fencingToken int64
	if err := row.Scan(&fencingToken); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // held by another non-expired owner
		}
		return nil, fmt.Errorf("op=lease.acquire: %w", err)
	}

	l := &postgresLease{
		pool:         f.pool,
		resourceName: resourceName,
		ownerToken:   ownerToken,
		duration:     duration,
		lost:         make(chan struct{}),
	}
	l.fencingToken.Store(fencingToken)
	l.startWatcher(ctx)
	return l, nil
}

const renewSQL = `
UPDATE relay_lease
SET fencing_token = fencing_token + 1, expires_at = now() + make_interval(secs => $3)
WHERE resource_name = $1 AND owner_token = $2 AND expires_at >= now()
RETURNING fencing_token`

const checkLiveSQL = `
SELECT owner_token, expires_at >= now() FROM relay_lease WHERE resource_name = $1`

// releaseSQL expires the row instead of deleting it, so the next acquire
// continues the resource's fencing-token sequence.
const releaseSQL = `
UPDATE relay_lease SET expires_at = now() - interval '1 microsecond'
WHERE resource_name = $1 AND owner_token = $2`

type postgresLease struct {
	pool         *pgxpool.Pool
	resourceName string
	ownerToken   string
	duration     time.Duration

	fencingToken atomic.Int64

	mu       sync.Mutex
	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
}

var _ lease.Lease = (*postgresLease)(nil)

func (l *postgresLease) ResourceName() string { return l.resourceName }
func (l *postgresLease) FencingToken() int64  { return l.fencingToken.Load() }

func (l *postgresLease) Renew(ctx context.Context) error {
	if err := l.ThrowIfLost(); err != nil {
		return err
	}
	row := l.pool.QueryRow(ctx, renewSQL, l.resourceName, l.ownerToken, l.duration.Seconds())
	var fencingToken int64
	if err := row.Scan(&fencingToken); err != nil {
		if err == pgx.ErrNoRows {
			l.markLost()
			return fmt.Errorf("op=lease.renew: %w", lease.ErrLost)
		}
		return fmt.Errorf("op=lease.renew: %w", err)
	}
	l.fencingToken.Store(fencingToken)
	return nil
}

func (l *postgresLease) Lost() <-chan struct{} { return l.lost }

func (l *postgresLease) ThrowIfLost() error {
	select {
	case <-l.lost:
		return lease.ErrLost
	default:
		return nil
	}
}

func (l *postgresLease) Dispose(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()

	if _, err := l.pool.Exec(ctx, releaseSQL, l.resourceName, l.ownerToken); err != nil {
		return fmt.Errorf("op=lease.dispose: %w", err)
	}
	return nil
}

func (l *postgresLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// startWatcher polls relay_lease on a timer so Lost() observes expiry or
// theft even if the holder never calls Renew.
func (l *postgresLease) startWatcher(parent context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				live, err := l.isLive(ctx)
				if err != nil {
					continue // transient DB error: try again next tick
				}
				if !live {
					l.markLost()
					return
				}
			}
		}
	}()
}

func (l *postgresLease) isLive(ctx context.Context) (bool, error) {
	row := l.pool.QueryRow(ctx, checkLiveSQL, l.resourceName)
	var owner string
	var notExpired bool
	if err := row.Scan(&owner, &notExpired); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return owner == l.ownerToken && notExpired, nil
}
