package orders

import (
	"context"
	"log"
	"time"
)

// StaleScanner lists orders sitting in a non-terminal state with no writes
// since the cutoff. Both order stores implement it.
type StaleScanner interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// WatchdogConfig tunes the stalled-saga sweep.
type WatchdogConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// IdleDeadline is how long a non-terminal order may go without a write
	// before its current step counts as timed out. Must comfortably exceed
	// StepTimeout so live downstream calls are never preempted.
	IdleDeadline time.Duration
	// BatchSize caps one sweep.
	BatchSize int
	Now       func() time.Time
	Logf      func(format string, args ...any)
}

// Watchdog re-drives sagas whose owner stopped making progress: an instance
// that crashed mid-step, a continuation event that was never published, an
// idempotency marker left pending by a dead writer. Every stale order goes
// back through HandleTimeout, which is idempotent and guarded by the state
// machine, so overlapping sweeps from multiple instances are safe.
type Watchdog struct {
	orch    *Orchestrator
	scanner StaleScanner
	cfg     WatchdogConfig
}

// NewWatchdog wires the watchdog with defaults filled in.
func NewWatchdog(orch *Orchestrator, scanner StaleScanner, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.IdleDeadline <= 0 {
		cfg.IdleDeadline = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Watchdog{orch: orch, scanner: scanner, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.cfg.Logf("watchdog sweep: %v", err)
			continue
		}
		if n > 0 {
			w.cfg.Logf("watchdog re-drove %d stalled orders", n)
		}
	}
}

// Sweep runs one pass and returns how many stalled orders were re-driven.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.cfg.Now().Add(-w.cfg.IdleDeadline)
	ids, err := w.scanner.ListStale(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	redriven := 0
	for _, id := range ids {
		if err := w.orch.HandleTimeout(ctx, id); err != nil {
			w.cfg.Logf("watchdog: order %s: %v", id, err)
			continue
		}
		redriven++
	}
	return redriven, nil
}
