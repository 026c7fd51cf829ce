package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/messaging/internal/health"
)

// BackendHealthChecker monitors one Backend's reachability via periodic
// pings, caching the result so the dispatcher's /healthz handler never
// blocks on the network.
type BackendHealthChecker struct {
	backend      Backend
	healthy      atomic.Int32
	log          zerolog.Logger
	probeTimeout time.Duration
}

// NewBackendHealthChecker constructs a checker for backend. probeTimeout
// bounds each individual probe; zero defaults to 2s.
func NewBackendHealthChecker(backend Backend, log zerolog.Logger, probeTimeout time.Duration) *BackendHealthChecker {
	hc := &BackendHealthChecker{backend: backend, log: log, probeTimeout: probeTimeout}
	hc.healthy.Store(0) // start unhealthy until the first successful probe
	return hc
}

// Name returns the backend's ID, so the aggregated log line identifies
// which store flipped.
func (hc *BackendHealthChecker) Name() string { return hc.backend.ID() }

// IsHealthy returns the cached result of the most recent probe.
func (hc *BackendHealthChecker) IsHealthy() bool { return hc.healthy.Load() == 1 }

// Start probes immediately, then on the given interval, until ctx is done.
func (hc *BackendHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := hc.probeTimeout
		if to <= 0 {
			to = 2 * time.Second
		}
		checkCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()

		if hc.probe(checkCtx) {
			hc.healthy.Store(1)
		} else {
			hc.healthy.Store(0)
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// probe prefers a backend's own HealthPinger, falling back to its plain
// Ping, so a backend with a cheaper or more specific check can supply one
// without changing this checker.
func (hc *BackendHealthChecker) probe(ctx context.Context) bool {
	var err error
	if p, ok := hc.backend.(health.HealthPinger); ok {
		err = p.HealthPing(ctx)
	} else {
		err = hc.backend.Ping(ctx)
	}
	if err != nil {
		hc.log.Error().Stack().Str("checker", hc.Name()).Err(err).Msg("backend health check failed")
		return false
	}
	return true
}

var _ health.HealthChecker = (*BackendHealthChecker)(nil)
