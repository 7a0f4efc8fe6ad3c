// Package telemetry records pipeline and request performance. A rolling
// window backs percentile queries; a prometheus registry backs the metric
// endpoints.
package telemetry

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Thresholds gate the health verdict.
type Thresholds struct {
	MinHitRate      float64
	MaxResponseTime time.Duration
	MaxMemoryBytes  uint64
}

// DefaultThresholds returns serviceable production bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHitRate:      0.5,
		MaxResponseTime: 100 * time.Millisecond,
		MaxMemoryBytes:  512 << 20,
	}
}

// ThresholdReport is the verdict of one threshold check.
type ThresholdReport struct {
	HitRateOk      bool `json:"hitRateOk"`
	ResponseTimeOk bool `json:"responseTimeOk"`
	MemoryUsageOk  bool `json:"memoryUsageOk"`
	OverallHealthy bool `json:"overallHealthy"`
}

// Monitor keeps a bounded rolling window of response times plus hit/miss
// counters.
type Monitor struct {
	mu        sync.Mutex
	samples   []time.Duration // ring buffer
	next      int
	filled    bool
	capacity  int
	hits      int64
	misses    int64
	limits    Thresholds
	startedAt time.Time
}

// NewMonitor creates a monitor with the given window capacity (default 1024).
func NewMonitor(capacity int, limits Thresholds) *Monitor {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Monitor{
		samples:   make([]time.Duration, capacity),
		capacity:  capacity,
		limits:    limits,
		startedAt: time.Now(),
	}
}

// RecordResponseTime appends one sample to the rolling window.
func (m *Monitor) RecordResponseTime(d time.Duration) {
	m.mu.Lock()
	m.samples[m.next] = d
	m.next++
	if m.next == m.capacity {
		m.next = 0
		m.filled = true
	}
	m.mu.Unlock()
}

// RecordHit and RecordMiss feed the hit-rate threshold.
func (m *Monitor) RecordHit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *Monitor) RecordMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

// HitRate is hits/(hits+misses), 0 when nothing has been recorded.
func (m *Monitor) HitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hitRateLocked()
}

func (m *Monitor) hitRateLocked() float64 {
	total := m.hits + m.misses
	if total == 0 {
		return 0
	}
	return float64(m.hits) / float64(total)
}

// ResponseTimes summarizes the rolling window.
type ResponseTimes struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Snapshot computes window statistics.
func (m *Monitor) Snapshot() ResponseTimes {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = m.capacity
	}
	window := make([]time.Duration, n)
	copy(window, m.samples[:n])
	m.mu.Unlock()

	if n == 0 {
		return ResponseTimes{}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	return ResponseTimes{
		Count: n,
		Mean:  sum / time.Duration(n),
		P50:   percentile(window, 0.50),
		P95:   percentile(window, 0.95),
		P99:   percentile(window, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// MemoryUsage samples the heap at call time.
func (m *Monitor) MemoryUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// CheckPerformanceThresholds compares current readings against the
// configured limits.
func (m *Monitor) CheckPerformanceThresholds() ThresholdReport {
	snap := m.Snapshot()
	mem := m.MemoryUsage()

	m.mu.Lock()
	hitRate := m.hitRateLocked()
	total := m.hits + m.misses
	m.mu.Unlock()

	report := ThresholdReport{
		HitRateOk:      total == 0 || hitRate >= m.limits.MinHitRate,
		ResponseTimeOk: snap.Count == 0 || snap.P95 <= m.limits.MaxResponseTime,
		MemoryUsageOk:  m.limits.MaxMemoryBytes == 0 || mem <= m.limits.MaxMemoryBytes,
	}
	report.OverallHealthy = report.HitRateOk && report.ResponseTimeOk && report.MemoryUsageOk
	return report
}

// GeneratePerformanceReport renders a human-readable summary.
func (m *Monitor) GeneratePerformanceReport() string {
	snap := m.Snapshot()
	mem := m.MemoryUsage()

	m.mu.Lock()
	hits, misses := m.hits, m.misses
	hitRate := m.hitRateLocked()
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("Cache Performance Report\n")
	b.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(m.startedAt).Round(time.Second)))
	b.WriteString(fmt.Sprintf("Hit Rate: %.2f%% (%d hits, %d misses)\n", hitRate*100, hits, misses))
	b.WriteString(fmt.Sprintf("Response Times: mean=%s p50=%s p95=%s p99=%s over %d samples\n",
		snap.Mean, snap.P50, snap.P95, snap.P99, snap.Count))
	b.WriteString(fmt.Sprintf("Memory Usage: %d bytes\n", mem))
	return b.String()
}

// Uptime reports time since the monitor was created.
func (m *Monitor) Uptime() time.Duration { return time.Since(m.startedAt) }
