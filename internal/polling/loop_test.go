package polling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/relaycore/messaging/internal/health"
)

func TestLoop_TicksUntilCanceled(t *testing.T) {
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	l := New(5*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(200 * time.Millisecond)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, ticks.Load(), int32(1))
}

func TestLoop_WaitsOnGateBeforeFirstTick(t *testing.T) {
	var ticks atomic.Int32
	gate := health.NewSchemaReadyGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(5*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, gate, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load(), "no tick should fire before gate is marked ready")

	gate.MarkReady()
	deadline := time.Now().Add(200 * time.Millisecond)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, ticks.Load(), int32(0))
	cancel()
	<-done
}

func TestLoop_ContinuesAfterTickError(t *testing.T) {
	// Every tick errors, so each retry pays PollLoopBackoff's growing delay
	// (starting around its 250ms InitialInterval) instead of the 5ms ticker
	// cadence: the deadline here must accommodate that, not the fast path.
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	l := New(5*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return assert.AnError
	}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	assert.GreaterOrEqual(t, ticks.Load(), int32(2))
}

func TestLoop_BackoffResetsAfterSuccess(t *testing.T) {
	// The first tick errors (paying one backoff delay), then every
	// subsequent tick succeeds; ticks should keep arriving on the fast
	// 5ms ticker cadence rather than an ever-growing backoff.
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	l := New(5*time.Millisecond, func(ctx context.Context) error {
		n := ticks.Add(1)
		if n == 1 {
			return assert.AnError
		}
		return nil
	}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	assert.GreaterOrEqual(t, ticks.Load(), int32(5))
}
