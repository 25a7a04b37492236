// Package reliability provides backoff and retry policies for the messaging runtime.
//
// ExponentialBackoff drives backend reconnection (base delay, multiplier, ceiling
// and jitter so many instances do not reconnect in lockstep). Retry is offered to
// callers that want to retry operations which fail fast, such as publishing while
// the backend is unavailable. CircuitBreaker stops calling something that keeps
// failing until a cooldown passes.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 5)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return client.Publish(ctx, "lobby", msg)
//	})
package reliability
