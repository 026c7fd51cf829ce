package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/dispatcher"
	"github.com/relaycore/messaging/internal/ids"
	"github.com/relaycore/messaging/internal/lease"
	"github.com/relaycore/messaging/internal/metrics"
	"github.com/relaycore/messaging/internal/store"
)

// StoreProvider returns the current set of backends the coordinator may
// dispatch against. Implementations may add or remove backends between
// calls; selection strategies detect the shape change and reset.
type StoreProvider interface {
	Stores(ctx context.Context) ([]store.Backend, error)
}

// StaticProvider is a StoreProvider over a fixed slice, for single-binary
// deployments that don't discover stores dynamically.
type StaticProvider []store.Backend

// Stores implements StoreProvider.
func (p StaticProvider) Stores(ctx context.Context) ([]store.Backend, error) {
	return p, nil
}

// LeaseRouter maps a store identifier to the lease.Factory that guards
// dispatch against it. A store with no registered factory is serviced
// without a lease (a warning is logged).
type LeaseRouter interface {
	FactoryFor(storeID string) (lease.Factory, bool)
}

// MapLeaseRouter is a LeaseRouter backed by a plain map.
type MapLeaseRouter map[string]lease.Factory

// FactoryFor implements LeaseRouter.
func (m MapLeaseRouter) FactoryFor(storeID string) (lease.Factory, bool) {
	f, ok := m[storeID]
	return f, ok
}

// Config bundles the coordinator's per-tick parameters.
type Config struct {
	BatchSize         int
	ClaimLeaseSeconds int
	LeaseDuration     time.Duration
	MaxAttempts       int
}

// Coordinator drives one tick of the multi-store dispatch algorithm:
// select a store, acquire its lease, delegate to a dispatcher, release
// the lease.
type Coordinator struct {
	Provider    StoreProvider
	Strategy    SelectionStrategy
	LeaseRouter LeaseRouter
	Resolver    dispatcher.HandlerResolver
	Metrics     *metrics.Dispatch
	Config      Config
	Log         zerolog.Logger

	owner ids.OwnerToken

	lastStore     string
	lastBatchSize int
}

// New constructs a Coordinator with a fresh owner token.
func New(provider StoreProvider, strategy SelectionStrategy, router LeaseRouter, resolver dispatcher.HandlerResolver, cfg Config, m *metrics.Dispatch, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		Provider:    provider,
		Strategy:    strategy,
		LeaseRouter: router,
		Resolver:    resolver,
		Metrics:     m,
		Config:      cfg,
		Log:         log,
		owner:       ids.NewOwnerToken(),
	}
}

// Tick runs exactly one pass of the per-tick algorithm: snapshot stores,
// select one, acquire its lease (if a router is configured), dispatch a
// batch, and release the lease. It never returns an error for ordinary
// skip conditions (empty store list, lease unavailable) — those are
// logged and treated as a no-op tick.
func (c *Coordinator) Tick(ctx context.Context) error {
	backends, err := c.Provider.Stores(ctx)
	if err != nil {
		return fmt.Errorf("op=coordinator.tick: list stores: %w", err)
	}
	if len(backends) == 0 {
		return nil
	}

	storeIDs := make([]string, len(backends))
	byID := make(map[string]store.Backend, len(backends))
	for i, b := range backends {
		storeIDs[i] = b.ID()
		byID[b.ID()] = b
	}

	storeID := c.Strategy.SelectNext(storeIDs, c.lastStore, c.lastBatchSize)
	backend, ok := byID[storeID]
	if !ok {
		return nil
	}
	log := c.Log.With().Str("store", storeID).Logger()

	tickCtx := ctx
	var held lease.Lease
	if c.LeaseRouter != nil {
		factory, ok := c.LeaseRouter.FactoryFor(storeID)
		if !ok {
			log.Warn().Msg("no lease factory registered for store; proceeding without a lease")
		} else {
			l, err := factory.Acquire(ctx, leaseName(storeID), c.Config.LeaseDuration, "")
			if err != nil {
				log.Error().Err(err).Msg("lease acquire failed; skipping tick")
				return nil
			}
			if l == nil {
				log.Debug().Msg("lease held by another owner; skipping tick")
				return nil
			}
			held = l
			var cancel context.CancelFunc
			tickCtx, cancel = context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-held.Lost():
					cancel()
				case <-tickCtx.Done():
				}
			}()
		}
	}

	d := dispatcher.New(storeID, backend.Outbox(), c.Resolver, c.Config.MaxAttempts, c.Metrics, log)
	count, dispatchErr := d.DispatchOnce(tickCtx, c.owner, c.Config.ClaimLeaseSeconds, c.Config.BatchSize)

	if held != nil {
		if err := held.Dispose(ctx); err != nil {
			log.Error().Err(err).Msg("lease dispose failed")
		}
	}

	if dispatchErr != nil {
		log.Error().Err(dispatchErr).Msg("dispatch tick failed")
	}

	c.lastStore = storeID
	c.lastBatchSize = count
	return dispatchErr
}

func leaseName(storeID string) string {
	return "outbox-processing:" + storeID
}

// globalLeaseName is the fixed lease key for the single-store global
// dispatcher, distinct from the per-store names the multi-store
// coordinator uses.
const globalLeaseName = "outbox-processing:global"

// GlobalDispatcher services one designated control-plane store using the
// same dispatcher logic as Coordinator, but with a fixed lease key
// instead of one derived per store.
type GlobalDispatcher struct {
	Backend  lease.Factory
	Outbox   store.Outbox
	Resolver dispatcher.HandlerResolver
	Config   Config
	Metrics  *metrics.Dispatch
	Log      zerolog.Logger

	owner ids.OwnerToken
}

// NewGlobalDispatcher constructs a GlobalDispatcher with a fresh owner token.
func NewGlobalDispatcher(leaseFactory lease.Factory, ob store.Outbox, resolver dispatcher.HandlerResolver, cfg Config, m *metrics.Dispatch, log zerolog.Logger) *GlobalDispatcher {
	return &GlobalDispatcher{
		Backend:  leaseFactory,
		Outbox:   ob,
		Resolver: resolver,
		Config:   cfg,
		Metrics:  m,
		Log:      log,
		owner:    ids.NewOwnerToken(),
	}
}

// Tick runs one pass against the control-plane store.
func (g *GlobalDispatcher) Tick(ctx context.Context) error {
	log := g.Log.With().Str("store", "global").Logger()

	tickCtx := ctx
	var held lease.Lease
	if g.Backend != nil {
		l, err := g.Backend.Acquire(ctx, globalLeaseName, g.Config.LeaseDuration, "")
		if err != nil {
			log.Error().Err(err).Msg("global lease acquire failed; skipping tick")
			return nil
		}
		if l == nil {
			log.Debug().Msg("global lease held by another owner; skipping tick")
			return nil
		}
		held = l
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-held.Lost():
				cancel()
			case <-tickCtx.Done():
			}
		}()
	}

	d := dispatcher.New("global", g.Outbox, g.Resolver, g.Config.MaxAttempts, g.Metrics, log)
	_, err := d.DispatchOnce(tickCtx, g.owner, g.Config.ClaimLeaseSeconds, g.Config.BatchSize)

	if held != nil {
		if disposeErr := held.Dispose(ctx); disposeErr != nil {
			log.Error().Err(disposeErr).Msg("global lease dispose failed")
		}
	}
	return err
}
