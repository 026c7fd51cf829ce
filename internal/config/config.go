// Package config loads dispatcher configuration from the environment
// using a prefixed envconfig struct.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// SelectionStrategyName names one of the coordinator's selection
// strategies.
type SelectionStrategyName string

const (
	RoundRobin SelectionStrategyName = "round_robin"
	DrainFirst SelectionStrategyName = "drain_first"
)

// Config holds the configuration for a dispatcher process. Environment
// variables are parsed with the RELAYCORE_ prefix, e.g.
// RELAYCORE_BATCH_SIZE, RELAYCORE_POLL_INTERVAL.
type Config struct {
	// PostgresDSN is the control-plane / default store DSN. Multi-store
	// deployments supply their own list via a StoreProvider and do not
	// use this field directly; it exists for the single-store binary.
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// BatchSize bounds how many rows a single claim() call leases.
	BatchSize int `envconfig:"BATCH_SIZE" default:"50"`

	// ClaimLeaseSeconds bounds how long a claimed row may be held before
	// it is eligible for reap.
	ClaimLeaseSeconds int `envconfig:"CLAIM_LEASE_SECONDS" default:"30"`

	// MaxAttempts is the retry ceiling before the dispatcher calls fail()
	// instead of abandon().
	MaxAttempts int `envconfig:"MAX_ATTEMPTS" default:"5"`

	// PollInterval is the polling loop's tick cadence.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"250ms"`

	// DispatchLeaseDuration bounds how long one worker monopolizes a
	// store's dispatch lease, distinct from ClaimLeaseSeconds.
	DispatchLeaseDuration time.Duration `envconfig:"DISPATCH_LEASE_DURATION" default:"15s"`

	// SelectionStrategy picks the multi-store coordinator's policy.
	SelectionStrategy SelectionStrategyName `envconfig:"SELECTION_STRATEGY" default:"round_robin"`

	// CleanupRetention bounds how long Done rows are kept before
	// cleanup(retention) deletes them. Zero skips the janitor's cleanup
	// pass; the janitor still reaps expired claims.
	CleanupRetention time.Duration `envconfig:"CLEANUP_RETENTION" default:"168h"`

	// SkipSchemaEnsure lets a host that owns its own migration tooling
	// opt out of the bundled EnsureSchema call.
	SkipSchemaEnsure bool `envconfig:"SKIP_SCHEMA_ENSURE" default:"false"`

	// SqlitePath, if non-empty, adds a second store backed by the pure-Go
	// sqlite driver alongside the PostgreSQL one, so the coordinator
	// genuinely selects across two different drivers rather than two
	// pools of the same one. "" disables it; ":memory:" is accepted for
	// tests and demos.
	SqlitePath string `envconfig:"SQLITE_PATH" default:""`

	// HealthCheckInterval is how often each store backend's health
	// checker re-probes it and the service-level checker re-aggregates.
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"15s"`

	// HealthProbeTimeout bounds a single backend health probe.
	HealthProbeTimeout time.Duration `envconfig:"HEALTH_PROBE_TIMEOUT" default:"2s"`
}

// New parses Config from the environment.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("RELAYCORE", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would violate the invariants the
// rest of the module assumes (batch size and lease duration must be
// positive, same as Store.claim's own InvalidArgument checks).
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.ClaimLeaseSeconds <= 0 {
		return fmt.Errorf("config: CLAIM_LEASE_SECONDS must be > 0, got %d", c.ClaimLeaseSeconds)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be > 0, got %s", c.PollInterval)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL must be > 0, got %s", c.HealthCheckInterval)
	}
	if c.HealthProbeTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_PROBE_TIMEOUT must be > 0, got %s", c.HealthProbeTimeout)
	}
	switch c.SelectionStrategy {
	case RoundRobin, DrainFirst:
	default:
		return fmt.Errorf("config: unsupported SELECTION_STRATEGY %q", c.SelectionStrategy)
	}
	return nil
}

// ClaimLease returns ClaimLeaseSeconds as a time.Duration.
func (c *Config) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}
