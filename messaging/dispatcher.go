package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-redis/contracts"
	"github.com/glimte/mmate-redis/serialization"
	"github.com/google/uuid"
)

// MessageHandler processes a decoded message
type MessageHandler interface {
	Handle(ctx context.Context, msg any) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg any) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// RawHandler processes an undecoded envelope
type RawHandler func(ctx context.Context, env contracts.Envelope) error

// Subscription is the handle for one listener binding
type Subscription struct {
	ID      string
	Channel string
	TypeID  string // empty for raw listeners

	handler MessageHandler
	raw     RawHandler
	removed atomic.Bool
}

// Active reports whether the binding has not been removed
func (s *Subscription) Active() bool {
	return !s.removed.Load()
}

// Dispatcher holds listener bindings per channel and routes inbound
// payloads to them. Binding lists are copy-on-write so dispatch never holds
// the lock while running callbacks.
type Dispatcher struct {
	registry      *serialization.CodecRegistry
	subscriptions *SubscriptionManager
	logger        *slog.Logger
	metrics       MetricsCollector
	errorHandler  ErrorHandler

	mu       sync.RWMutex
	bindings map[string][]*Subscription
	closed   bool
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherErrorHandler sets the handler for decode and callback failures
func WithDispatcherErrorHandler(handler ErrorHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.errorHandler = handler
	}
}

// NewDispatcher creates a dispatcher decoding with registry and tracking
// channel interest in subscriptions
func NewDispatcher(registry *serialization.CodecRegistry, subscriptions *SubscriptionManager, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		subscriptions: subscriptions,
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		bindings:      make(map[string][]*Subscription),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// AddListener binds handler to messages of typeID on channel. If the
// backend rejects the subscription the binding is rolled back.
func (d *Dispatcher) AddListener(ctx context.Context, channel, typeID string, handler MessageHandler) (*Subscription, error) {
	if typeID == "" {
		return nil, fmt.Errorf("type id cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if !d.registry.IsRegistered(typeID) {
		d.logger.Warn("listener added for unregistered type id", "channel", channel, "typeId", typeID)
	}

	return d.add(ctx, &Subscription{Channel: channel, TypeID: typeID, handler: handler})
}

// AddRawListener binds handler to every well-formed envelope on channel
func (d *Dispatcher) AddRawListener(ctx context.Context, channel string, handler RawHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	return d.add(ctx, &Subscription{Channel: channel, raw: handler})
}

func (d *Dispatcher) add(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub.Channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	sub.ID = uuid.New().String()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	d.bindings[sub.Channel] = append(slices.Clone(d.bindings[sub.Channel]), sub)
	d.mu.Unlock()

	if err := d.subscriptions.EnsureSubscribed(ctx, sub.Channel); err != nil {
		sub.removed.Store(true)
		d.detach(sub)
		d.metrics.RecordDispatchError(ErrorKindSubscription)
		return nil, err
	}

	d.logger.Debug("listener added",
		"subscriptionId", sub.ID,
		"channel", sub.Channel,
		"typeId", sub.TypeID)
	return sub, nil
}

// RemoveListener unbinds sub. Removing an already removed handle is a no-op.
// A callback already running for sub finishes, but sub receives no further
// invocations once this returns.
func (d *Dispatcher) RemoveListener(ctx context.Context, sub *Subscription) error {
	if sub == nil || !sub.removed.CompareAndSwap(false, true) {
		return nil
	}

	if !d.detach(sub) {
		return nil
	}

	d.logger.Debug("listener removed", "subscriptionId", sub.ID, "channel", sub.Channel)
	return d.subscriptions.EnsureUnsubscribed(ctx, sub.Channel)
}

func (d *Dispatcher) detach(sub *Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.bindings[sub.Channel]
	idx := slices.Index(current, sub)
	if idx < 0 {
		return false
	}

	next := slices.Delete(slices.Clone(current), idx, idx+1)
	if len(next) == 0 {
		delete(d.bindings, sub.Channel)
	} else {
		d.bindings[sub.Channel] = next
	}
	return true
}

// ListenerCount returns the number of bindings on channel
func (d *Dispatcher) ListenerCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bindings[channel])
}

// HandleRaw routes one inbound payload. The envelope is decoded at most once
// and only if a typed binding matches its type id. Failures are reported to
// the error handler and never propagate to the caller.
func (d *Dispatcher) HandleRaw(ctx context.Context, channel string, payload []byte) {
	d.mu.RLock()
	snapshot := d.bindings[channel]
	d.mu.RUnlock()

	if len(snapshot) == 0 {
		d.logger.Debug("dropping message for channel without listeners", "channel", channel)
		return
	}

	env, err := contracts.UnmarshalFrame(payload)
	if err != nil {
		d.fail(ErrorKindMalformedFrame, &serialization.DecodeError{Err: err},
			"dropping malformed frame", "channel", channel)
		return
	}

	known := d.registry.IsRegistered(env.TypeID)
	if !known {
		d.fail(ErrorKindUnknownType, &serialization.DecodeError{TypeID: env.TypeID, Err: serialization.ErrUnknownTypeID},
			"dropping message with unknown type id", "channel", channel, "typeId", env.TypeID)
	}

	var (
		msg       any
		decoded   bool
		decodeErr error
		delivered int
	)
	for _, sub := range snapshot {
		if sub.raw != nil {
			d.invoke(ctx, sub, env.TypeID, func(ctx context.Context) error {
				return sub.raw(ctx, env)
			})
			delivered++
			continue
		}

		if !known || sub.TypeID != env.TypeID {
			continue
		}

		if !decoded {
			decoded = true
			msg, decodeErr = d.registry.Decode(env.TypeID, env.Payload)
			if decodeErr != nil {
				d.fail(ErrorKindDecode, decodeErr,
					"failed to decode message", "channel", channel, "typeId", env.TypeID)
			}
		}
		if decodeErr != nil {
			continue
		}

		d.invoke(ctx, sub, env.TypeID, func(ctx context.Context) error {
			return sub.handler.Handle(ctx, msg)
		})
		delivered++
	}

	d.metrics.RecordDispatch(channel, env.TypeID, delivered)
}

// invoke runs one callback, isolating its error or panic
func (d *Dispatcher) invoke(ctx context.Context, sub *Subscription, typeID string, call func(context.Context) error) {
	if sub.removed.Load() {
		return
	}

	ctx = WithDelivery(ctx, Delivery{
		Channel:        sub.Channel,
		TypeID:         typeID,
		SubscriptionID: sub.ID,
	})

	start := time.Now()
	err := safeCall(ctx, call)
	d.metrics.RecordCallback(typeID, time.Since(start), err == nil)
	if err == nil {
		return
	}

	cbErr := &CallbackError{
		Channel:        sub.Channel,
		TypeID:         typeID,
		SubscriptionID: sub.ID,
	}
	var p *panicError
	if errors.As(err, &p) {
		cbErr.Panic = p.value
	} else {
		cbErr.Err = err
	}

	d.fail(ErrorKindCallback, cbErr, "listener failed",
		"subscriptionId", sub.ID, "channel", sub.Channel, "typeId", typeID)
}

func (d *Dispatcher) fail(kind string, err error, msg string, attrs ...any) {
	d.logger.Error(msg, append(attrs, "error", err)...)
	d.metrics.RecordDispatchError(kind)
	if d.errorHandler != nil {
		d.errorHandler(err)
	}
}

// Close drops every binding without touching backend subscriptions. Later
// AddListener calls fail with ErrShutdown.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	for _, subs := range d.bindings {
		for _, sub := range subs {
			sub.removed.Store(true)
		}
	}
	d.bindings = make(map[string][]*Subscription)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func safeCall(ctx context.Context, call func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return call(ctx)
}
