// Package health provides health checks and HTTP handlers for the runtime.
//
// ConnectionChecker reports the connection state, PingChecker measures
// backend latency and SubscriptionChecker lists subscribed channels. Checks
// are aggregated by a Registry and served by Handler, ReadinessHandler and
// LivenessHandler.
package health
