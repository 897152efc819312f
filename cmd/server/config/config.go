// Package config loads server settings from the environment. Every knob has a
// default so a bare `go run ./cmd/server` starts a self-contained dev server;
// DATABASE_URL, REDIS_URL and the downstream service URLs switch the
// corresponding component from its in-memory fallback to the real backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	// GatewayAddr is the HTTP listen address.
	GatewayAddr string
	// MetricsAddr, when set, serves /metrics on a second listener in
	// addition to the gateway route.
	MetricsAddr string

	// DatabaseURL enables the Postgres order store when set.
	DatabaseURL string

	// RedisURL enables the Redis Streams bus and the shared idempotency
	// store when set.
	RedisURL          string
	StreamMaxLen      int64
	VisibilityTimeout time.Duration

	// Downstream service base URLs; empty means in-memory fakes.
	CatalogURL  string
	IdentityURL string
	PaymentURL  string

	// Per-caller gateway throttle.
	RateLimitInterval time.Duration
	RateLimitBurst    int

	// Saga tuning. SagaIdleDeadline is how long a non-terminal order may go
	// without a write before the watchdog treats its current step as timed
	// out; WatchdogInterval is the sweep period.
	StepTimeout      time.Duration
	IdempotencyTTL   time.Duration
	SagaIdleDeadline time.Duration
	WatchdogInterval time.Duration

	// Outbound retry policy.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		GatewayAddr: stringOr("GATEWAY_ADDR", ":8080"),
		MetricsAddr: stringOr("METRICS_ADDR", ""),
		DatabaseURL: stringOr("DATABASE_URL", ""),
		RedisURL:    stringOr("REDIS_URL", ""),
		CatalogURL:  stringOr("CATALOG_URL", ""),
		IdentityURL: stringOr("IDENTITY_URL", ""),
		PaymentURL:  stringOr("PAYMENT_URL", ""),
	}

	var err error
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 100_000); err != nil {
		return cfg, err
	}
	if cfg.VisibilityTimeout, err = durationOr("EVENT_VISIBILITY_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("RATE_LIMIT_INTERVAL", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("RATE_LIMIT_BURST", 20); err != nil {
		return cfg, err
	}
	if cfg.StepTimeout, err = durationOr("SAGA_STEP_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyTTL, err = durationOr("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SagaIdleDeadline, err = durationOr("SAGA_IDLE_DEADLINE", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.WatchdogInterval, err = durationOr("WATCHDOG_INTERVAL", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func stringOr(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func intOr(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func int64Or(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
