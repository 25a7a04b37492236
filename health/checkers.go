package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-redis/messaging"
)

// StateSource reports the current connection state
type StateSource interface {
	State() messaging.ConnectionState
}

// ConnectionChecker maps the connection state to a health status:
// connected is healthy, connecting or reconnecting is degraded and
// disconnected is unhealthy.
type ConnectionChecker struct {
	source StateSource
}

// NewConnectionChecker creates a connection state checker
func NewConnectionChecker(source StateSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case messaging.Connected:
		result.Status = StatusHealthy
		result.Message = "connected"
	case messaging.Connecting, messaging.Reconnecting:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("connection is %s", state)
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger round-trips a command to the backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker measures backend round-trip latency
type PingChecker struct {
	name      string
	pinger    Pinger
	threshold time.Duration
}

// NewPingChecker creates a checker that reports degraded when a ping takes
// longer than threshold
func NewPingChecker(name string, pinger Pinger, threshold time.Duration) *PingChecker {
	return &PingChecker{
		name:      name,
		pinger:    pinger,
		threshold: threshold,
	}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	err := c.pinger.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	case c.threshold > 0 && result.Duration > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("slow ping: %s", result.Duration)
	default:
		result.Status = StatusHealthy
		result.Message = "backend is responding"
	}

	return result
}

// ChannelSource lists channels with active listeners
type ChannelSource interface {
	Channels() []string
}

// SubscriptionChecker reports subscribed channels. It is always healthy and
// exists for the details it adds to the health report.
type SubscriptionChecker struct {
	source ChannelSource
}

// NewSubscriptionChecker creates a subscription checker
func NewSubscriptionChecker(source ChannelSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	channels := c.source.Channels()

	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d channels subscribed", len(channels)),
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]any{
			"channels": channels,
			"count":    len(channels),
		},
	}
}

// MemoryChecker checks goroutine count and memory usage
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}
