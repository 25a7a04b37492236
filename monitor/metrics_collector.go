package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-redis/messaging"
)

// SimpleMetricsCollector is an in-memory messaging.MetricsCollector. It is
// useful in tests and small deployments that only need a JSON snapshot.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Publish counters by type id
	published map[string]int64
	// Failed publishes by type id
	publishFailures map[string]int64
	// Dispatched payloads by type id
	dispatched map[string]int64
	// Dispatch errors by kind
	errorCounters map[string]int64
	// Callback time stats by type id
	callbackTimes map[string]*TimeStats

	transitions       int64
	state             messaging.ConnectionState
	reconnectAttempts int64
	reconnectFailures int64
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count    int64
	Failures int64
	TotalMs  int64
	MinMs    int64
	MaxMs    int64
	samples  []int64 // Keep last 100 samples for percentiles
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.reset()
	return c
}

// RecordPublish implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordPublish(typeID string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.published[typeID]++
	} else {
		c.publishFailures[typeID]++
	}
}

// RecordDispatch implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDispatch(channel string, typeID string, listeners int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched[typeID]++
}

// RecordCallback implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordCallback(typeID string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	durationMs := duration.Milliseconds()

	stats, exists := c.callbackTimes[typeID]
	if !exists {
		stats = &TimeStats{
			MinMs:   durationMs,
			MaxMs:   durationMs,
			samples: make([]int64, 0, 100),
		}
		c.callbackTimes[typeID] = stats
	}

	stats.Count++
	stats.TotalMs += durationMs
	if !success {
		stats.Failures++
	}

	if durationMs < stats.MinMs {
		stats.MinMs = durationMs
	}
	if durationMs > stats.MaxMs {
		stats.MaxMs = durationMs
	}

	// Keep last 100 samples for percentile calculations
	if len(stats.samples) >= 100 {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

// RecordDispatchError implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDispatchError(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCounters[kind]++
}

// RecordStateChange implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordStateChange(from, to messaging.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions++
	c.state = to
}

// RecordReconnectAttempt implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordReconnectAttempt(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnectAttempts++
	if !success {
		c.reconnectFailures++
	}
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Published:         copyCounts(c.published),
		PublishFailures:   copyCounts(c.publishFailures),
		Dispatched:        copyCounts(c.dispatched),
		ErrorCounts:       copyCounts(c.errorCounters),
		CallbackStats:     make(map[string]CallbackStats),
		State:             c.state.String(),
		StateTransitions:  c.transitions,
		ReconnectAttempts: c.reconnectAttempts,
		ReconnectFailures: c.reconnectFailures,
	}

	for typeID, stats := range c.callbackTimes {
		cbStats := CallbackStats{
			Count:    stats.Count,
			Failures: stats.Failures,
			MinMs:    stats.MinMs,
			MaxMs:    stats.MaxMs,
		}

		if stats.Count > 0 {
			cbStats.AvgMs = stats.TotalMs / stats.Count
		}

		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			cbStats.P50Ms = percentile(sorted, 0.50)
			cbStats.P95Ms = percentile(sorted, 0.95)
			cbStats.P99Ms = percentile(sorted, 0.99)
		}

		summary.CallbackStats[typeID] = cbStats
	}

	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *SimpleMetricsCollector) reset() {
	c.published = make(map[string]int64)
	c.publishFailures = make(map[string]int64)
	c.dispatched = make(map[string]int64)
	c.errorCounters = make(map[string]int64)
	c.callbackTimes = make(map[string]*TimeStats)
	c.transitions = 0
	c.reconnectAttempts = 0
	c.reconnectFailures = 0
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Published         map[string]int64         `json:"published"`
	PublishFailures   map[string]int64         `json:"publish_failures"`
	Dispatched        map[string]int64         `json:"dispatched"`
	ErrorCounts       map[string]int64         `json:"error_counts"`
	CallbackStats     map[string]CallbackStats `json:"callback_stats"`
	State             string                   `json:"state"`
	StateTransitions  int64                    `json:"state_transitions"`
	ReconnectAttempts int64                    `json:"reconnect_attempts"`
	ReconnectFailures int64                    `json:"reconnect_failures"`
}

// CallbackStats represents listener timing statistics for a type id
type CallbackStats struct {
	Count    int64 `json:"count"`
	Failures int64 `json:"failures"`
	AvgMs    int64 `json:"avg_ms"`
	MinMs    int64 `json:"min_ms"`
	MaxMs    int64 `json:"max_ms"`
	P50Ms    int64 `json:"p50_ms"`
	P95Ms    int64 `json:"p95_ms"`
	P99Ms    int64 `json:"p99_ms"`
}

// percentile picks from pre-sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)-1) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ messaging.MetricsCollector = (*SimpleMetricsCollector)(nil)
