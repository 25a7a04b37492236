package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-redis/internal/reliability"
	"github.com/glimte/mmate-redis/messaging"
)

// ErrTimeout is returned when a callback exceeds its TimeoutInterceptor budget
var ErrTimeout = errors.New("callback timed out")

// Interceptor wraps a typed listener callback
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg any, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg any, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added, the final
// handler last
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then returns final wrapped by every interceptor in the chain. Later Adds
// do not affect handlers already built.
func (c *InterceptorChain) Then(final messaging.MessageHandler) messaging.MessageHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.MessageHandlerFunc(func(ctx context.Context, msg any) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// Execute runs msg through the chain into final
func (c *InterceptorChain) Execute(ctx context.Context, msg any, final messaging.MessageHandler) error {
	return c.Then(final).Handle(ctx, msg)
}

// LoggingInterceptor logs each callback with its delivery and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	start := time.Now()
	attrs := deliveryAttrs(ctx, msg)

	i.logger.Debug("processing message", attrs...)

	err := next.Handle(ctx, msg)
	attrs = append(attrs, "duration", time.Since(start))

	if err != nil {
		i.logger.Error("message processing failed", append(attrs, "error", err)...)
	} else {
		i.logger.Debug("message processed", attrs...)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

func deliveryAttrs(ctx context.Context, msg any) []any {
	d, ok := messaging.DeliveryFromContext(ctx)
	if !ok {
		return []any{"goType", fmt.Sprintf("%T", msg)}
	}
	return []any{
		"channel", d.Channel,
		"typeId", d.TypeID,
		"subscriptionId", d.SubscriptionID,
	}
}

// MessageValidator checks a decoded message before the callback sees it
type MessageValidator interface {
	Validate(ctx context.Context, msg any) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, msg any) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// SelfValidator validates messages that implement Validate() error and
// accepts everything else
var SelfValidator MessageValidator = MessageValidatorFunc(func(ctx context.Context, msg any) error {
	if v, ok := msg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
})

// ValidationInterceptor rejects invalid messages
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor. A nil
// validator means SelfValidator.
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	if validator == nil {
		validator = SelfValidator
	}
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds how long the dispatcher waits for a callback.
// The callback keeps running after the deadline with a cancelled context.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- next.Handle(timeoutCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("%w after %v", ErrTimeout, i.timeout)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker runs fn unless it has tripped
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops invoking a callback that keeps failing
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// NewBreaker builds a circuit breaker that opens after failureThreshold
// consecutive callback errors and allows a trial call after cooldown
func NewBreaker(name string, failureThreshold int, cooldown time.Duration, logger *slog.Logger) CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(failureThreshold),
		reliability.WithCooldown(cooldown),
		reliability.WithBreakerLogger(logger),
	)
}

// IsCircuitOpen reports whether err is a rejection by an open breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, reliability.ErrCircuitOpen)
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	return i.circuitBreaker.Execute(ctx, func() error {
		return next.Handle(ctx, msg)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// ChainBuilder builds a common interceptor chain
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainBuilder{
		chain:  NewInterceptorChain(),
		logger: logger,
	}
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithValidation adds a validation interceptor
func (b *ChainBuilder) WithValidation(validator MessageValidator) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *ChainBuilder) WithCircuitBreaker(circuitBreaker CircuitBreaker) *ChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(circuitBreaker))
	return b
}

// WithRetry adds a retry interceptor
func (b *ChainBuilder) WithRetry(policy RetryPolicy) *ChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithFilter adds a filtering interceptor
func (b *ChainBuilder) WithFilter(filter MessageFilter, skip SkipBehavior) *ChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip).WithLogger(b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}

// Interceptors returns the chain's interceptors, for passing to
// mmate.WithInterceptors
func (b *ChainBuilder) Interceptors() []Interceptor {
	return append([]Interceptor(nil), b.chain.interceptors...)
}
