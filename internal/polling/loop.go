// Package polling drives a Tick function on a fixed cadence using a
// monotonic clock (time.Ticker) so wall-clock adjustments never skew the
// interval. It wires in an optional schema-ready gate to delay the first
// tick.
package polling

import (
	"context"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/backoff"
	"github.com/relaycore/messaging/internal/health"
)

// Tick is one unit of periodic work, e.g. coordinator.Coordinator.Tick.
type Tick func(ctx context.Context) error

// Loop runs Tick on a fixed interval until its context is canceled.
type Loop struct {
	Interval time.Duration
	Tick     Tick
	Gate     *health.SchemaReadyGate // nil means no gate: start immediately
	Log      zerolog.Logger
}

// New constructs a Loop with the given interval and tick function. Gate
// may be nil.
func New(interval time.Duration, tick Tick, gate *health.SchemaReadyGate, log zerolog.Logger) *Loop {
	return &Loop{Interval: interval, Tick: tick, Gate: gate, Log: log}
}

// Run blocks until ctx is canceled. Any error from Tick is logged, and the
// next tick is delayed by an increasing backoff (reset on the first
// successful tick afterward) instead of retrying on the fixed ticker
// cadence; only ctx cancellation ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.Gate != nil {
		l.Log.Debug().Msg("polling loop waiting on schema-ready gate")
		if err := l.Gate.Wait(ctx); err != nil {
			return ctx.Err()
		}
	}

	l.Log.Info().Dur("interval", l.Interval).Msg("polling loop starting")
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	var tickBackoff cenkalti.BackOff

	for {
		select {
		case <-ctx.Done():
			l.Log.Info().Msg("polling loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.Log.Error().Err(err).Msg("polling loop tick failed")
				if tickBackoff == nil {
					tickBackoff = backoff.PollLoopBackoff()
				}
				select {
				case <-ctx.Done():
					l.Log.Info().Msg("polling loop stopping")
					return ctx.Err()
				case <-time.After(tickBackoff.NextBackOff()):
				}
				continue
			}
			tickBackoff = nil
		}
	}
}
