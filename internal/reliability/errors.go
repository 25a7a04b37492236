package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned while a circuit breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitBreakerError reports a rejected call
type CircuitBreakerError struct {
	Name      string
	State     State
	NextRetry time.Time // zero while half-open
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open, retry in %v",
			e.Name, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: trial limit reached", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}
