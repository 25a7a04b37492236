// Package interceptors wraps typed listener callbacks with cross-cutting
// behavior.
//
// An Interceptor sees the decoded message before the callback does and decides
// whether and how to call next. The dispatcher attaches a messaging.Delivery to
// the callback context, so interceptors can read the channel and type id.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each callback with its delivery and duration
//   - ValidationInterceptor: rejects messages failing a MessageValidator
//   - TimeoutInterceptor: stops waiting for slow callbacks
//   - RetryInterceptor: re-runs failing callbacks under a RetryPolicy
//   - CircuitBreakerInterceptor: stops calling a callback that keeps failing
//   - FilteringInterceptor and ConditionalInterceptor: skip messages or
//     interceptors by MessageFilter
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithFilter(interceptors.NewMessageTypeFilter("chat.Message"), interceptors.SkipSilently).
//		WithRetry(interceptors.ExponentialRetry(50*time.Millisecond, time.Second, 3)).
//		WithCircuitBreaker(interceptors.NewBreaker("chat", 5, 30*time.Second, logger))
//
//	client, err := mmate.NewRedisClient(url, mmate.WithInterceptors(chain.Interceptors()...))
//
// Interceptors run in the order they are added. Callback errors still reach
// the client's error handler after the chain returns.
package interceptors
