package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-redis/internal/reliability"
)

// BackoffPolicy computes the delay before each reconnection attempt
type BackoffPolicy = reliability.BackoffPolicy

// Dispatch error kinds reported to MetricsCollector.RecordDispatchError
const (
	ErrorKindMalformedFrame = "malformed_frame"
	ErrorKindUnknownType    = "unknown_type"
	ErrorKindDecode         = "decode"
	ErrorKindCallback       = "callback"
	ErrorKindSubscription   = "subscription"
	ErrorKindConnection     = "connection"
)

// InboundHandler consumes raw channel payloads delivered by the connection manager
type InboundHandler interface {
	HandleRaw(ctx context.Context, channel string, payload []byte)
}

// Resubscriber restores backend subscriptions after the connection comes back
type Resubscriber interface {
	// ResubscribeAll subscribes every channel with live listeners
	ResubscribeAll(ctx context.Context) error

	// Suspend marks backend subscriptions as gone
	Suspend()
}

// Sender publishes raw payloads on the backend
type Sender interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ErrorHandler receives asynchronous failures: decode errors, callback
// failures and reconnection errors. It must not block.
type ErrorHandler func(err error)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt for a type id
	RecordPublish(typeID string, duration time.Duration, success bool)

	// RecordDispatch records a payload routed to listeners on a channel
	RecordDispatch(channel string, typeID string, listeners int)

	// RecordCallback records a listener invocation
	RecordCallback(typeID string, duration time.Duration, success bool)

	// RecordDispatchError records a dispatch failure by kind
	RecordDispatchError(kind string)

	// RecordStateChange records a connection state transition
	RecordStateChange(from, to ConnectionState)

	// RecordReconnectAttempt records one reconnection attempt
	RecordReconnectAttempt(success bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(typeID string, duration time.Duration, success bool) {}

// RecordDispatch does nothing
func (n *NoOpMetricsCollector) RecordDispatch(channel string, typeID string, listeners int) {}

// RecordCallback does nothing
func (n *NoOpMetricsCollector) RecordCallback(typeID string, duration time.Duration, success bool) {}

// RecordDispatchError does nothing
func (n *NoOpMetricsCollector) RecordDispatchError(kind string) {}

// RecordStateChange does nothing
func (n *NoOpMetricsCollector) RecordStateChange(from, to ConnectionState) {}

// RecordReconnectAttempt does nothing
func (n *NoOpMetricsCollector) RecordReconnectAttempt(success bool) {}
