package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/store"
)

// Janitor periodically calls ReapExpired and Cleanup against every store
// a provider returns. It is deliberately separate from Coordinator: a
// host that wants dispatch without the reap/cleanup cadence (or that
// runs its own cron) can simply not start one.
type Janitor struct {
	Provider  StoreProvider
	Interval  time.Duration
	Retention time.Duration
	Log       zerolog.Logger
}

// NewJanitor constructs a Janitor with the given tick interval and
// Done-row retention window.
func NewJanitor(provider StoreProvider, interval, retention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{Provider: provider, Interval: interval, Retention: retention, Log: log}
}

// Run ticks until ctx is canceled, sweeping every store each tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	backends, err := j.Provider.Stores(ctx)
	if err != nil {
		j.Log.Error().Err(err).Msg("janitor: list stores failed")
		return
	}
	for _, b := range backends {
		j.sweepBackend(ctx, b)
	}
}

func (j *Janitor) sweepBackend(ctx context.Context, b store.Backend) {
	log := j.Log.With().Str("store", b.ID()).Logger()

	if n, err := b.Outbox().ReapExpired(ctx); err != nil {
		log.Error().Err(err).Msg("janitor: outbox reap failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("janitor: reaped expired outbox claims")
	}
	if n, err := b.Inbox().ReapExpired(ctx); err != nil {
		log.Error().Err(err).Msg("janitor: inbox reap failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("janitor: reaped expired inbox claims")
	}

	if j.Retention <= 0 {
		return
	}
	if n, err := b.Outbox().Cleanup(ctx, j.Retention); err != nil {
		log.Error().Err(err).Msg("janitor: outbox cleanup failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("janitor: cleaned up done outbox rows")
	}
	if n, err := b.Inbox().Cleanup(ctx, j.Retention); err != nil {
		log.Error().Err(err).Msg("janitor: inbox cleanup failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("janitor: cleaned up done inbox rows")
	}
}
