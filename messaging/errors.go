package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation needs a live backend connection
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrShutdown is returned after the connection manager has been closed
	ErrShutdown = errors.New("messaging: connection manager is shut down")

	// ErrConnectInProgress is returned by Connect while a connection attempt is running
	ErrConnectInProgress = errors.New("messaging: connection attempt in progress")

	// ErrMaxRetriesExceeded is reported when reconnection gives up
	ErrMaxRetriesExceeded = errors.New("messaging: maximum reconnection attempts exceeded")
)

// ConnectionError represents a failed connect or reconnect
type ConnectionError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("messaging connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("messaging connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a backend subscribe/unsubscribe rejection for one channel
type SubscriptionError struct {
	Op      string // "subscribe", "unsubscribe" or "resubscribe"
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("messaging subscription error: %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// CallbackError reports a listener that returned an error or panicked
type CallbackError struct {
	Channel        string
	TypeID         string
	SubscriptionID string
	Panic          any   // Recovered panic value, if any
	Err            error // Returned error, if any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("messaging callback error: listener %s on %s (%s) panicked: %v",
			e.SubscriptionID, e.Channel, e.TypeID, e.Panic)
	}
	return fmt.Sprintf("messaging callback error: listener %s on %s (%s) failed: %v",
		e.SubscriptionID, e.Channel, e.TypeID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
