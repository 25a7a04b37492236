package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/glimte/mmate-redis/messaging"
	goredis "github.com/redis/go-redis/v9"
)

// Transport implements messaging.Transport for Redis-compatible backends
// (Redis, Valkey, Dragonfly, KeyDB). Each Connect opens a fresh session made
// of a command client and a dedicated PubSub connection; go-redis' own
// PubSub reconnection is not relied upon, the connection manager decides
// when to start a new session.
//
// A session that stays silent for a health check interval is pinged; if the
// next interval passes without any reply the connection is reported lost,
// which catches links that die without being closed.
type Transport struct {
	options     *goredis.Options
	logger      *slog.Logger
	inbound     chan messaging.InboundEvent
	healthCheck time.Duration

	mu      sync.Mutex
	session *session
}

type session struct {
	client *goredis.Client
	pubsub *goredis.PubSub
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger        *slog.Logger
	InboundBuffer int
	ClientOptions []func(*goredis.Options)

	// HealthCheckInterval is how long the pubsub connection may stay silent
	// before it is pinged. Zero disables the check.
	HealthCheckInterval time.Duration
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithInboundBuffer sets the capacity of the inbound event stream
func WithInboundBuffer(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.InboundBuffer = size
	}
}

// WithHealthCheckInterval sets how long the pubsub connection may stay
// silent before it is pinged. A dead link is reported within two intervals.
func WithHealthCheckInterval(interval time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.HealthCheckInterval = interval
	}
}

// WithClientOptions adjusts the go-redis options used for every session
func WithClientOptions(fn func(*goredis.Options)) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ClientOptions = append(cfg.ClientOptions, fn)
	}
}

// NewTransport creates a transport from a redis:// or rediss:// URL
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewTransportWithOptions(opts, options...), nil
}

// NewTransportWithOptions creates a transport from go-redis options
func NewTransportWithOptions(opts *goredis.Options, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger:              slog.Default(),
		InboundBuffer:       1024,
		HealthCheckInterval: 5 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	clientOpts := *opts
	for _, fn := range cfg.ClientOptions {
		fn(&clientOpts)
	}

	return &Transport{
		options:     &clientOpts,
		logger:      cfg.Logger,
		inbound:     make(chan messaging.InboundEvent, cfg.InboundBuffer),
		healthCheck: cfg.HealthCheckInterval,
	}
}

// Addr returns the backend address
func (t *Transport) Addr() string {
	return t.options.Addr
}

// Connect opens a new session, closing the previous one
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	old := t.session
	t.session = nil
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	opts := *t.options
	client := goredis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping %s: %w", opts.Addr, err)
	}

	pubsub := client.Subscribe(ctx)
	if err := pubsub.Ping(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return fmt.Errorf("failed to open pubsub connection to %s: %w", opts.Addr, err)
	}

	s := &session{
		client: client,
		pubsub: pubsub,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.session = s
	t.mu.Unlock()

	go t.receive(s)

	t.logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return nil
}

// Close ends the current session and waits for its receive loop
func (t *Transport) Close() error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.close()
}

// Publish sends payload to channel
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	s := t.current()
	if s == nil {
		return messaging.ErrNotConnected
	}
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe issues SUBSCRIBE for channels on the session's PubSub connection
func (t *Transport) Subscribe(ctx context.Context, channels ...string) error {
	s := t.current()
	if s == nil {
		return messaging.ErrNotConnected
	}
	return s.pubsub.Subscribe(ctx, channels...)
}

// Unsubscribe issues UNSUBSCRIBE for channels
func (t *Transport) Unsubscribe(ctx context.Context, channels ...string) error {
	s := t.current()
	if s == nil {
		return messaging.ErrNotConnected
	}
	return s.pubsub.Unsubscribe(ctx, channels...)
}

// Ping checks the command connection of the current session
func (t *Transport) Ping(ctx context.Context) error {
	s := t.current()
	if s == nil {
		return messaging.ErrNotConnected
	}
	return s.client.Ping(ctx).Err()
}

// Inbound returns the long-lived event stream
func (t *Transport) Inbound() <-chan messaging.InboundEvent {
	return t.inbound
}

func (t *Transport) current() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// receive pumps PubSub replies into the inbound stream until the session
// is closed or its connection fails. A failure, including a ping left
// unanswered for a whole health check interval, is reported once as
// EventConnectionLost.
func (t *Transport) receive(s *session) {
	defer close(s.done)

	ctx := context.Background()
	pinged := false
	for {
		reply, err := s.pubsub.ReceiveTimeout(ctx, t.healthCheck)
		if err == nil {
			pinged = false
		} else if isTimeout(err) && !pinged && !s.stopped() {
			pinged = true
			err = s.pubsub.Ping(ctx)
			if err == nil {
				continue
			}
		} else if isTimeout(err) {
			err = fmt.Errorf("no reply from redis within %v: %w", t.healthCheck, errHealthCheck)
		}

		if err != nil {
			if s.stopped() {
				return
			}

			t.logger.Warn("redis pubsub connection lost", "error", err)
			t.emit(s, messaging.InboundEvent{Kind: messaging.EventConnectionLost, Err: err})
			return
		}

		switch msg := reply.(type) {
		case *goredis.Message:
			t.emit(s, messaging.InboundEvent{
				Kind:    messaging.EventMessage,
				Channel: msg.Channel,
				Payload: []byte(msg.Payload),
			})
		case *goredis.Subscription:
			t.logger.Debug("redis subscription changed", "kind", msg.Kind, "channel", msg.Channel, "count", msg.Count)
		case *goredis.Pong:
		default:
			t.logger.Debug("ignoring unexpected pubsub reply", "type", fmt.Sprintf("%T", reply))
		}
	}
}

var errHealthCheck = errors.New("pubsub health check failed")

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (t *Transport) emit(s *session, event messaging.InboundEvent) {
	select {
	case t.inbound <- event:
	case <-s.stop:
	}
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if cerr := s.pubsub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-s.done
	})
	return err
}
