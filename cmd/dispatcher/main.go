// Command dispatcher wires configuration, a PostgreSQL-backed store (plus
// an optional second sqlite-backed store), a fenced lease router, the
// multi-store coordinator and a janitor into one long-running process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycore/messaging/internal/config"
	"github.com/relaycore/messaging/internal/coordinator"
	"github.com/relaycore/messaging/internal/dispatcher"
	"github.com/relaycore/messaging/internal/health"
	joinpg "github.com/relaycore/messaging/internal/join/postgres"
	"github.com/relaycore/messaging/internal/joinwait"
	leasemem "github.com/relaycore/messaging/internal/lease/memory"
	leasepg "github.com/relaycore/messaging/internal/lease/postgres"
	"github.com/relaycore/messaging/internal/logger"
	"github.com/relaycore/messaging/internal/metrics"
	"github.com/relaycore/messaging/internal/polling"
	"github.com/relaycore/messaging/internal/store"
	storepg "github.com/relaycore/messaging/internal/store/postgres"
	storesqlite "github.com/relaycore/messaging/internal/store/sqlite"
)

func main() {
	log := logger.New("dispatcher")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storepg.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open failed")
	}
	defer pool.Close()

	gate := health.AlwaysReady()
	if !cfg.SkipSchemaEnsure {
		gate = health.NewSchemaReadyGate()
		go func() {
			if err := storepg.EnsureSchema(ctx, pool); err != nil {
				log.Fatal().Err(err).Msg("schema ensure failed")
			}
			gate.MarkReady()
		}()
	}

	joinStore := joinpg.New(pool)
	backend := storepg.NewBackend("default", pool, joinStore)
	stores := coordinator.StaticProvider{backend}

	leaseRouter := coordinator.MapLeaseRouter{"default": leasepg.New(pool)}

	if cfg.SqlitePath != "" {
		sqliteDB, err := storesqlite.Open(cfg.SqlitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteDB.Close()
		if err := storesqlite.EnsureSchema(ctx, sqliteDB); err != nil {
			log.Fatal().Err(err).Msg("sqlite schema ensure failed")
		}
		// The sqlite backend carries no JoinHook: join.wait coordination is
		// only wired against the PostgreSQL store in this binary.
		sqliteBackend := storesqlite.NewBackend("sqlite", sqliteDB, nil)
		stores = append(stores, sqliteBackend)
		leaseRouter["sqlite"] = leasemem.New()
	}

	provider := stores

	var healthCheckers []health.HealthChecker
	for _, b := range stores {
		hc := store.NewBackendHealthChecker(b, log, cfg.HealthProbeTimeout)
		go hc.Start(ctx, cfg.HealthCheckInterval)
		healthCheckers = append(healthCheckers, hc)
	}
	svcHealth := health.NewServiceHealthChecker(log, healthCheckers...)
	go svcHealth.Start(ctx, cfg.HealthCheckInterval)

	reg := prometheus.NewRegistry()
	dispatchMetrics := metrics.NewDispatch(reg)

	joinWaitHandler := joinwait.New(joinStore, backend.Outbox())
	resolver := dispatcher.Registry{
		joinwait.Topic: joinWaitHandler.Handle,
	}
	// Hosts embedding this binary register their own business topic
	// handlers into resolver here before Run is called in a fork of this
	// wiring; the bundled binary ships only the reserved join.wait one.

	coordCfg := coordinator.Config{
		BatchSize:         cfg.BatchSize,
		ClaimLeaseSeconds: cfg.ClaimLeaseSeconds,
		LeaseDuration:     cfg.DispatchLeaseDuration,
		MaxAttempts:       cfg.MaxAttempts,
	}

	strategy := selectionStrategy(cfg.SelectionStrategy)
	coord := coordinator.New(provider, strategy, leaseRouter, resolver, coordCfg, dispatchMetrics, log)

	janitor := coordinator.NewJanitor(provider, time.Minute, cfg.CleanupRetention, log)
	go janitor.Run(ctx)

	loop := polling.New(cfg.PollInterval, coord.Tick, gate, log)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !svcHealth.IsHealthy() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unhealthy"))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("polling loop exited with error")
	}
	log.Info().Msg("dispatcher shut down")
}

func selectionStrategy(name config.SelectionStrategyName) coordinator.SelectionStrategy {
	switch name {
	case config.DrainFirst:
		return coordinator.NewDrainFirst()
	default:
		return coordinator.NewRoundRobin()
	}
}
