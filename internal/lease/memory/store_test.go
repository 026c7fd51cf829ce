package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/messaging/internal/lease"
)

func TestFactory_AcquireFreshResourceSucceeds(t *testing.T) {
	f := New()
	l, err := f.Acquire(context.Background(), "outbox-processing:A", time.Minute, "")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "outbox-processing:A", l.ResourceName())
	assert.Equal(t, int64(1), l.FencingToken())
}

func TestFactory_AcquireHeldByAnotherOwnerReturnsNil(t *testing.T) {
	f := New()
	_, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)

	l2, err := f.Acquire(context.Background(), "res", time.Minute, "owner-2")
	require.NoError(t, err)
	assert.Nil(t, l2)
}

func TestFactory_AcquireAfterExpiryGrantsNewOwner(t *testing.T) {
	f := New()
	_, err := f.Acquire(context.Background(), "res", 5*time.Millisecond, "owner-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	l2, err := f.Acquire(context.Background(), "res", time.Minute, "owner-2")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, int64(2), l2.FencingToken())
}

func TestFactory_SameOwnerReacquiresAndBumpsFencingToken(t *testing.T) {
	f := New()
	l1, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l1.FencingToken())

	l2, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, int64(2), l2.FencingToken())
}

func TestLease_RenewBumpsFencingToken(t *testing.T) {
	f := New()
	l, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)

	require.NoError(t, l.Renew(context.Background()))
	assert.Equal(t, int64(2), l.FencingToken())
}

func TestLease_RenewAfterDisposeReturnsErrLost(t *testing.T) {
	f := New()
	l, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)
	require.NoError(t, l.Dispose(context.Background()))

	err = l.Renew(context.Background())
	assert.ErrorIs(t, err, lease.ErrLost)

	select {
	case <-l.Lost():
	default:
		t.Fatalf("Lost channel should be closed after a failed renew")
	}
}

func TestLease_DisposeThenReacquireByAnotherOwnerSucceeds(t *testing.T) {
	f := New()
	l, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)
	require.NoError(t, l.Dispose(context.Background()))

	l2, err := f.Acquire(context.Background(), "res", time.Minute, "owner-2")
	require.NoError(t, err)
	assert.NotNil(t, l2)
}

func TestLease_ThrowIfLostIsNilBeforeLoss(t *testing.T) {
	f := New()
	l, err := f.Acquire(context.Background(), "res", time.Minute, "owner-1")
	require.NoError(t, err)
	assert.NoError(t, l.ThrowIfLost())
}
