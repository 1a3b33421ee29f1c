package rpc

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trellishq/trellis/internal/debug"
)

// DefaultSlowOpThreshold marks operations worth logging. Zero disables the
// check.
const DefaultSlowOpThreshold = 100 * time.Millisecond

// Metrics collects per-operation request telemetry for the daemon.
type Metrics struct {
	mu sync.RWMutex

	requestCounts  map[string]int64
	requestErrors  map[string]int64
	requestLatency map[string][]time.Duration // bounded sample window per operation
	maxSamples     int

	slowOpThreshold time.Duration
	slowOpCounts    map[string]int64

	totalConns    int64
	rejectedConns int64

	startTime time.Time
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCounts:   make(map[string]int64),
		requestErrors:   make(map[string]int64),
		requestLatency:  make(map[string][]time.Duration),
		maxSamples:      1000,
		slowOpThreshold: DefaultSlowOpThreshold,
		slowOpCounts:    make(map[string]int64),
		startTime:       time.Now(),
	}
}

// RecordRequest records one handled request, successful or not.
func (m *Metrics) RecordRequest(operation string, latency time.Duration) {
	m.mu.Lock()
	m.requestCounts[operation]++

	samples := m.requestLatency[operation]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[operation] = append(samples, latency)

	slow := m.slowOpThreshold > 0 && latency >= m.slowOpThreshold
	if slow {
		m.slowOpCounts[operation]++
	}
	m.mu.Unlock()

	if slow {
		debug.Logf("rpc: slow operation %s took %s\n", operation, latency.Round(time.Millisecond))
	}
}

// RecordError records a failed request.
func (m *Metrics) RecordError(operation string) {
	m.mu.Lock()
	m.requestErrors[operation]++
	m.mu.Unlock()
}

// RecordConnection counts an accepted connection.
func (m *Metrics) RecordConnection() {
	atomic.AddInt64(&m.totalConns, 1)
}

// RecordRejectedConnection counts a connection turned away at the limit.
func (m *Metrics) RecordRejectedConnection() {
	atomic.AddInt64(&m.rejectedConns, 1)
}

// OperationMetrics holds the aggregate for a single operation.
type OperationMetrics struct {
	Operation    string       `json:"operation"`
	TotalCount   int64        `json:"total_count"`
	SuccessCount int64        `json:"success_count"`
	ErrorCount   int64        `json:"error_count"`
	SlowCount    int64        `json:"slow_count,omitempty"`
	Latency      LatencyStats `json:"latency"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64 `json:"min_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// MetricsSnapshot is a point-in-time view of daemon telemetry.
type MetricsSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Operations    []OperationMetrics `json:"operations"`
	TotalConns    int64              `json:"total_connections"`
	ActiveConns   int                `json:"active_connections"`
	RejectedConns int64              `json:"rejected_connections"`
	MemoryAllocMB uint64             `json:"memory_alloc_mb"`
	Goroutines    int                `json:"goroutine_count"`
}

// Snapshot aggregates all recorded telemetry. Percentiles are computed from
// the bounded sample window, so they describe recent traffic, not lifetime.
func (m *Metrics) Snapshot(activeConns int) MetricsSnapshot {
	m.mu.RLock()
	ops := make(map[string]struct{}, len(m.requestCounts))
	for op := range m.requestCounts {
		ops[op] = struct{}{}
	}
	for op := range m.requestErrors {
		ops[op] = struct{}{}
	}
	counts := make(map[string]int64, len(ops))
	errs := make(map[string]int64, len(ops))
	slow := make(map[string]int64, len(ops))
	lat := make(map[string][]time.Duration, len(ops))
	for op := range ops {
		counts[op] = m.requestCounts[op]
		errs[op] = m.requestErrors[op]
		slow[op] = m.slowOpCounts[op]
		if samples := m.requestLatency[op]; len(samples) > 0 {
			lat[op] = append([]time.Duration(nil), samples...)
		}
	}
	m.mu.RUnlock()

	operations := make([]OperationMetrics, 0, len(ops))
	for op := range ops {
		success := counts[op] - errs[op]
		if success < 0 {
			success = 0
		}
		om := OperationMetrics{
			Operation:    op,
			TotalCount:   counts[op],
			SuccessCount: success,
			ErrorCount:   errs[op],
			SlowCount:    slow[op],
		}
		if samples := lat[op]; len(samples) > 0 {
			om.Latency = latencyStats(samples)
		}
		operations = append(operations, om)
	}
	sort.Slice(operations, func(i, j int) bool {
		return operations[i].TotalCount > operations[j].TotalCount
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return MetricsSnapshot{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Operations:    operations,
		TotalConns:    atomic.LoadInt64(&m.totalConns),
		ActiveConns:   activeConns,
		RejectedConns: atomic.LoadInt64(&m.rejectedConns),
		MemoryAllocMB: mem.Alloc / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
	}
}

func latencyStats(samples []time.Duration) LatencyStats {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	idx := func(pct int) int {
		i := n * pct / 100
		if i > n-1 {
			i = n - 1
		}
		return i
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[idx(50)]),
		P95MS: toMS(sorted[idx(95)]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(sum / time.Duration(n)),
	}
}
