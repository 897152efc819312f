// Package observability collects in-process metrics for the gateway and the
// orchestrator and serves them as a JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// OperationSnapshot summarizes one operation (an HTTP route or a saga step).
type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the full metrics export.
type Snapshot struct {
	UptimeSec        int64                        `json:"uptime_sec"`
	TotalRequests    int64                        `json:"total_requests"`
	TotalErrors      int64                        `json:"total_errors"`
	InFlight         int64                        `json:"in_flight"`
	RateLimitRejects int64                        `json:"rate_limit_rejects"`
	Operations       map[string]OperationSnapshot `json:"operations"`
	Counters         map[string]int64             `json:"counters"`
}

// Counter names tracked by the orchestrator wiring. Anything can be counted;
// these are the ones dashboards rely on.
const (
	CounterOrdersPlaced    = "orders_placed"
	CounterOrdersConfirmed = "orders_confirmed"
	CounterOrdersCancelled = "orders_cancelled"
	CounterOrdersFailed    = "orders_failed"
	CounterCompensations   = "compensations"
	CounterEventsDead      = "events_dead_lettered"
)

type operationStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is a concurrency-safe in-process registry. A nil *Metrics is valid
// and records nothing, so wiring can leave it out.
type Metrics struct {
	mu               sync.Mutex
	start            time.Time
	operations       map[string]*operationStats
	counters         map[string]int64
	rateLimitRejects int64
}

// CallSpan measures one in-flight operation.
type CallSpan struct {
	metrics   *Metrics
	operation string
	start     time.Time
}

// NewMetrics constructs an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		operations: make(map[string]*operationStats),
		counters:   make(map[string]int64),
	}
}

// Start opens a span for the operation; End closes it.
func (m *Metrics) Start(operation string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics:   m,
		operation: operation,
		start:     time.Now(),
	}
}

// End records the span's latency and outcome.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.operation, dur, err != nil)
}

// Inc bumps a named counter.
func (m *Metrics) Inc(counter string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[counter]++
	m.mu.Unlock()
}

// AddRateLimitReject records a request rejected by the gateway throttle.
func (m *Metrics) AddRateLimitReject() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rateLimitRejects++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:        int64(time.Since(m.start).Seconds()),
		Operations:       make(map[string]OperationSnapshot),
		Counters:         make(map[string]int64, len(m.counters)),
		RateLimitRejects: m.rateLimitRejects,
	}

	for name, stats := range m.operations {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[name] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for name, value := range m.counters {
		snap.Counters[name] = value
	}

	return snap
}

func (m *Metrics) ensureOperation(operation string) *operationStats {
	stats, ok := m.operations[operation]
	if !ok {
		stats = &operationStats{}
		m.operations[operation] = stats
	}
	return stats
}

func (m *Metrics) finish(operation string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
