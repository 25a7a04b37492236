package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-redis/internal/reliability"
	"github.com/glimte/mmate-redis/messaging"
)

// RetryPolicy decides whether and when a failed callback runs again
type RetryPolicy = reliability.RetryPolicy

// ExponentialRetry returns a policy doubling from initial up to max, giving
// up after attempts retries
func ExponentialRetry(initial, max time.Duration, attempts int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, attempts)
}

// FixedRetry returns a policy waiting delay between each of attempts retries
func FixedRetry(delay time.Duration, attempts int) RetryPolicy {
	return reliability.NewFixedDelay(delay, attempts)
}

// Permanent marks err so RetryInterceptor does not retry it
func Permanent(err error) error {
	return reliability.RetryableError{Err: err, Retryable: false}
}

// RetryInterceptor re-runs a failing callback in place. The dispatcher is
// blocked on the channel while it waits.
type RetryInterceptor struct {
	retryPolicy RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, r.retryPolicy, func() error {
		attempt++
		err := next.Handle(ctx, msg)
		if err != nil {
			r.logger.Debug("callback attempt failed", append(deliveryAttrs(ctx, msg), "attempt", attempt, "error", err)...)
		}
		return err
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
