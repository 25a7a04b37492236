// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/mmate-redis/contracts"
	"github.com/glimte/mmate-redis/interceptors"
	"github.com/glimte/mmate-redis/internal/reliability"
	"github.com/glimte/mmate-redis/messaging"
	"github.com/glimte/mmate-redis/serialization"
	redistransport "github.com/glimte/mmate-redis/transports/redis"
)

// Client provides the main entry point for mmate-redis
type Client struct {
	transport     messaging.Transport
	registry      *serialization.CodecRegistry
	subscriptions *messaging.SubscriptionManager
	dispatcher    *messaging.Dispatcher
	connection    *messaging.ConnectionManager
	publisher     *messaging.Publisher
	chain         *interceptors.InterceptorChain
	logger        *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger         *slog.Logger
	registry       *serialization.CodecRegistry
	backoff        messaging.BackoffPolicy
	maxAttempts    int
	connectTimeout time.Duration
	metrics        messaging.MetricsCollector
	errorHandler   messaging.ErrorHandler
	transportOpts  []redistransport.TransportOption
	interceptors   []interceptors.Interceptor
}

// NewClient creates a client over an existing transport. Nothing touches the
// backend until Connect.
func NewClient(transport messaging.Transport, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.registry == nil {
		cfg.registry = serialization.NewCodecRegistry(serialization.WithRegistryLogger(cfg.logger))
	}

	subscriptions := messaging.NewSubscriptionManager(
		transport,
		messaging.WithSubscriptionLogger(cfg.logger),
	)

	dispatcher := messaging.NewDispatcher(
		cfg.registry,
		subscriptions,
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
		messaging.WithDispatcherErrorHandler(cfg.errorHandler),
	)

	connOpts := []messaging.ConnectionOption{
		messaging.WithConnectionLogger(cfg.logger),
		messaging.WithConnectionMetrics(cfg.metrics),
		messaging.WithConnectionErrorHandler(cfg.errorHandler),
		messaging.WithInboundHandler(dispatcher),
		messaging.WithResubscriber(subscriptions),
		messaging.WithMaxReconnectAttempts(cfg.maxAttempts),
	}
	if cfg.backoff != nil {
		connOpts = append(connOpts, messaging.WithBackoffPolicy(cfg.backoff))
	}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, messaging.WithConnectTimeout(cfg.connectTimeout))
	}
	connection := messaging.NewConnectionManager(transport, connOpts...)

	publisher := messaging.NewPublisher(
		cfg.registry,
		connection,
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherMetrics(cfg.metrics),
	)

	return &Client{
		transport:     transport,
		registry:      cfg.registry,
		subscriptions: subscriptions,
		dispatcher:    dispatcher,
		connection:    connection,
		publisher:     publisher,
		chain:         interceptors.NewInterceptorChain(cfg.interceptors...),
		logger:        cfg.logger,
	}
}

// NewRedisClient creates a client backed by the go-redis transport
func NewRedisClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	transportOpts := append([]redistransport.TransportOption{
		redistransport.WithLogger(cfg.logger),
	}, cfg.transportOpts...)

	transport, err := redistransport.NewTransport(url, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return NewClient(transport, options...), nil
}

// Connect establishes the backend connection and issues SUBSCRIBE for every
// channel that already has listeners
func (c *Client) Connect(ctx context.Context) error {
	return c.connection.Connect(ctx)
}

// Close shuts the client down. It must not be called from a listener callback.
func (c *Client) Close() error {
	err := c.connection.Close()
	c.dispatcher.Close()
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	c.logger.Info("client closed")
	return nil
}

// State returns the current connection state
func (c *Client) State() messaging.ConnectionState {
	return c.connection.State()
}

// OnStateChange registers fn for connection state transitions and returns a
// func that unregisters it
func (c *Client) OnStateChange(fn func(from, to messaging.ConnectionState)) func() {
	return c.connection.OnStateChange(fn)
}

// Publish encodes msg with its registered codec and sends it on channel
func (c *Client) Publish(ctx context.Context, channel string, msg any) error {
	return c.publisher.Publish(ctx, channel, msg)
}

// PublishRaw sends an already encoded payload tagged with typeID
func (c *Client) PublishRaw(ctx context.Context, channel, typeID string, payload []byte) error {
	return c.publisher.PublishRaw(ctx, channel, typeID, payload)
}

// PublishAsync publishes in the background. The returned channel yields
// exactly one result.
func (c *Client) PublishAsync(ctx context.Context, channel string, msg any) <-chan error {
	return c.publisher.PublishAsync(ctx, channel, msg)
}

// Subscribe registers cb for messages of typeID on channel. The client's
// interceptors run around cb. After Close it fails with messaging.ErrShutdown.
func (c *Client) Subscribe(ctx context.Context, channel, typeID string, cb func(ctx context.Context, msg any) error) (*messaging.Subscription, error) {
	if cb == nil {
		return nil, errors.New("callback is required")
	}
	if c.connection.Closed() {
		return nil, messaging.ErrShutdown
	}
	return c.dispatcher.AddListener(ctx, channel, typeID, c.chain.Then(messaging.MessageHandlerFunc(cb)))
}

// SubscribeRaw registers cb for every envelope on channel, without decoding.
// Interceptors do not apply.
func (c *Client) SubscribeRaw(ctx context.Context, channel string, cb messaging.RawHandler) (*messaging.Subscription, error) {
	if c.connection.Closed() {
		return nil, messaging.ErrShutdown
	}
	return c.dispatcher.AddRawListener(ctx, channel, cb)
}

// Unsubscribe removes a listener. Removing twice is a no-op.
func (c *Client) Unsubscribe(ctx context.Context, sub *messaging.Subscription) error {
	return c.dispatcher.RemoveListener(ctx, sub)
}

// Codecs returns the codec registry used by the client
func (c *Client) Codecs() *serialization.CodecRegistry {
	return c.registry
}

// Channels returns the channels with live listeners
func (c *Client) Channels() []string {
	return c.subscriptions.Channels()
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Listen registers a typed callback on channel. T must be bound in the
// client's registry with serialization.RegisterType, or declare its own
// discriminator via contracts.Message.
func Listen[T any](ctx context.Context, c *Client, channel string, cb func(ctx context.Context, msg T) error) (*messaging.Subscription, error) {
	if cb == nil {
		return nil, errors.New("callback is required")
	}

	typeID, ok := c.registry.TypeIDFor(reflect.TypeFor[T]())
	if !ok {
		typeID, ok = contracts.TypeIDOf(instance[T]())
	}
	if !ok {
		return nil, fmt.Errorf("%w: %v", serialization.ErrUnregisteredType, reflect.TypeFor[T]())
	}

	return c.Subscribe(ctx, channel, typeID, func(ctx context.Context, msg any) error {
		v, err := as[T](msg)
		if err != nil {
			return err
		}
		return cb(ctx, v)
	})
}

// instance returns a non-nil value of T's underlying struct type, so methods
// with pointer receivers can be asked for their discriminator
func instance[T any]() any {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

// as converts a decoded value to T, bridging value and pointer forms
func as[T any](msg any) (T, error) {
	var zero T
	if v, ok := msg.(T); ok {
		return v, nil
	}

	want := reflect.TypeFor[T]()
	rv := reflect.ValueOf(msg)
	switch {
	case !rv.IsValid():
	case want.Kind() == reflect.Pointer && rv.Type() == want.Elem():
		ptr := reflect.New(want.Elem())
		ptr.Elem().Set(rv)
		return ptr.Interface().(T), nil
	case rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Type().Elem() == want:
		return rv.Elem().Interface().(T), nil
	}
	return zero, fmt.Errorf("%w: want %v, got %T", serialization.ErrTypeMismatch, want, msg)
}

// WithLogger sets the logger used by every component
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultLogger uses slog.Default
func WithDefaultLogger() ClientOption {
	return func(c *clientConfig) {
		c.logger = slog.Default()
	}
}

// WithCodecRegistry shares a codec registry with the client
func WithCodecRegistry(registry *serialization.CodecRegistry) ClientOption {
	return func(c *clientConfig) {
		c.registry = registry
	}
}

// WithReconnectPolicy sets the delay schedule between reconnection attempts
func WithReconnectPolicy(policy messaging.BackoffPolicy) ClientOption {
	return func(c *clientConfig) {
		c.backoff = policy
	}
}

// WithReconnectBackoff configures exponential reconnection delays. Jitter is
// the randomized fraction of each delay.
func WithReconnectBackoff(base, max time.Duration, multiplier, jitter float64) ClientOption {
	return func(c *clientConfig) {
		b := reliability.NewExponentialBackoff(base, max, multiplier, 0)
		b.Jitter = jitter
		c.backoff = b
	}
}

// WithMaxReconnectAttempts bounds reconnection; 0 retries forever
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(c *clientConfig) {
		c.maxAttempts = attempts
	}
}

// WithMetrics sets the metrics collector shared by every component
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithErrorHandler receives decode errors, callback failures and
// reconnection errors
func WithErrorHandler(handler messaging.ErrorHandler) ClientOption {
	return func(c *clientConfig) {
		c.errorHandler = handler
	}
}

// WithConnectTimeout bounds each connection attempt
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.connectTimeout = timeout
	}
}

// WithTransportOptions passes options to the redis transport built by
// NewRedisClient
func WithTransportOptions(options ...redistransport.TransportOption) ClientOption {
	return func(c *clientConfig) {
		c.transportOpts = append(c.transportOpts, options...)
	}
}

// WithInterceptors wraps every typed callback, in order
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}
