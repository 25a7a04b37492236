package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-redis/internal/reliability"
)

// ConnectionManager owns the backend connection lifecycle. It drives the
// transport's inbound stream on a single goroutine, reconnects with backoff
// when the session drops and restores subscriptions before reporting
// Connected again.
type ConnectionManager struct {
	transport      Transport
	backoff        BackoffPolicy
	maxAttempts    int
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	errorHandler   ErrorHandler
	handler        InboundHandler
	resubscriber   Resubscriber

	mu          sync.RWMutex
	state       ConnectionState
	closed      bool
	loopRunning bool

	sendMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []StateListener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithBackoffPolicy sets the delay schedule between reconnection attempts
func WithBackoffPolicy(policy BackoffPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// WithMaxReconnectAttempts bounds reconnection. Zero means retry forever.
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithConnectTimeout bounds each connection handshake
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithConnectionMetrics sets the metrics collector
func WithConnectionMetrics(metrics MetricsCollector) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// WithConnectionErrorHandler sets the handler for reconnection failures
func WithConnectionErrorHandler(handler ErrorHandler) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.errorHandler = handler
	}
}

// WithInboundHandler sets the consumer of inbound channel payloads
func WithInboundHandler(handler InboundHandler) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.handler = handler
	}
}

// WithResubscriber sets the component that restores subscriptions on reconnect
func WithResubscriber(resubscriber Resubscriber) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.resubscriber = resubscriber
	}
}

// NewConnectionManager creates a new connection manager over transport
func NewConnectionManager(transport Transport, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		transport:      transport,
		backoff:        reliability.DefaultReconnectBackoff(),
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		state:          Disconnected,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. A failed attempt leaves the
// manager Disconnected and does not start reconnection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrShutdown
	}
	switch cm.state {
	case Connected:
		cm.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		cm.mu.Unlock()
		return ErrConnectInProgress
	}
	cm.state = Connecting
	cm.mu.Unlock()
	cm.notify(Disconnected, Connecting)

	if err := cm.handshake(ctx); err != nil {
		cm.transition(Disconnected, Connecting)
		return &ConnectionError{
			Op:        "connect",
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	if !cm.transition(Connected, Connecting) {
		_ = cm.transport.Close()
		return ErrShutdown
	}

	cm.logger.Info("connected to backend")
	cm.startLoop()
	return nil
}

// Close shuts the manager down permanently
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	from := cm.state
	cm.state = Disconnected
	cm.mu.Unlock()

	close(cm.done)
	cm.cancel()
	cm.wg.Wait()

	if cm.resubscriber != nil {
		cm.resubscriber.Suspend()
	}
	err := cm.transport.Close()

	if from != Disconnected {
		cm.notify(from, Disconnected)
	}

	cm.logger.Info("connection manager closed")
	return err
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns whether the connection is live
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == Connected
}

// Publish sends payload to channel. Sends are serialized on the shared
// connection and fail fast unless Connected.
func (cm *ConnectionManager) Publish(ctx context.Context, channel string, payload []byte) error {
	if !cm.IsConnected() {
		return ErrNotConnected
	}

	cm.sendMu.Lock()
	defer cm.sendMu.Unlock()

	if err := cm.transport.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a connection state listener. Listeners of
// uncomparable types, such as StateListenerFunc, cannot be removed; use
// OnStateChange for those.
func (cm *ConnectionManager) RemoveStateListener(listener StateListener) {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return
	}

	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if reflect.TypeOf(l) == reflect.TypeOf(listener) && l == listener {
			cm.listeners = append(cm.listeners[:i:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// OnStateChange registers fn for state transitions and returns a function
// that unregisters it.
func (cm *ConnectionManager) OnStateChange(fn func(from, to ConnectionState)) func() {
	listener := &funcListener{fn: fn}
	cm.AddStateListener(listener)
	return func() {
		cm.RemoveStateListener(listener)
	}
}

type funcListener struct {
	fn func(from, to ConnectionState)
}

func (l *funcListener) OnStateChange(from, to ConnectionState) {
	l.fn(from, to)
}

// transition moves to state `to` if the manager is open and currently in one
// of the `from` states. Listeners are notified outside the lock.
func (cm *ConnectionManager) transition(to ConnectionState, from ...ConnectionState) bool {
	cm.mu.Lock()
	if cm.closed || (len(from) > 0 && !slices.Contains(from, cm.state)) {
		cm.mu.Unlock()
		return false
	}
	prev := cm.state
	cm.state = to
	cm.mu.Unlock()

	if prev != to {
		cm.notify(prev, to)
	}
	return true
}

func (cm *ConnectionManager) notify(from, to ConnectionState) {
	cm.metrics.RecordStateChange(from, to)
	cm.logger.Debug("connection state changed", "from", from, "to", to)

	cm.listenersMu.RLock()
	listeners := slices.Clone(cm.listeners)
	cm.listenersMu.RUnlock()

	for _, listener := range listeners {
		cm.safeNotify(listener, from, to)
	}
}

func (cm *ConnectionManager) safeNotify(listener StateListener, from, to ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("state listener panicked", "panic", r, "from", from, "to", to)
		}
	}()
	listener.OnStateChange(from, to)
}

// handshake opens a session and restores subscriptions on it
func (cm *ConnectionManager) handshake(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	stop := context.AfterFunc(cm.ctx, cancel)
	defer stop()

	if err := cm.transport.Connect(connCtx); err != nil {
		return err
	}

	if cm.resubscriber != nil {
		if err := cm.resubscriber.ResubscribeAll(connCtx); err != nil {
			cm.logger.Error("failed to restore subscriptions", "error", err)
			cm.metrics.RecordDispatchError(ErrorKindSubscription)
			cm.report(err)
		}
	}
	return nil
}

func (cm *ConnectionManager) startLoop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed || cm.loopRunning {
		return
	}
	cm.loopRunning = true
	cm.wg.Add(1)
	go cm.run()
}

// run is the single consumer of the transport's inbound stream. Messages
// are dispatched synchronously so delivery order matches arrival order.
func (cm *ConnectionManager) run() {
	defer cm.wg.Done()

	inbound := cm.transport.Inbound()
	for {
		select {
		case <-cm.done:
			return
		case event := <-inbound:
			switch event.Kind {
			case EventMessage:
				cm.deliver(event)
			case EventConnectionLost:
				if !cm.reconnect(event.Err) {
					return
				}
			}
		}
	}
}

func (cm *ConnectionManager) deliver(event InboundEvent) {
	if cm.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("inbound handler panicked", "channel", event.Channel, "panic", r)
		}
	}()
	cm.handler.HandleRaw(cm.ctx, event.Channel, event.Payload)
}

// reconnect retries the handshake until it succeeds, the attempt limit is
// reached or the manager is closed. It returns false when the run loop
// should stop.
func (cm *ConnectionManager) reconnect(cause error) bool {
	if !cm.transition(Reconnecting, Connected) {
		return !cm.Closed()
	}

	cm.logger.Warn("connection lost, reconnecting", "error", cause)
	if cm.resubscriber != nil {
		cm.resubscriber.Suspend()
	}

	for attempt := 0; ; attempt++ {
		if cm.maxAttempts > 0 && attempt >= cm.maxAttempts {
			err := &ConnectionError{
				Op:        "reconnect",
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			cm.logger.Error("giving up on reconnection", "attempts", attempt)
			cm.metrics.RecordDispatchError(ErrorKindConnection)
			cm.report(err)
			cm.giveUp()
			return false
		}

		if attempt > 0 {
			delay := cm.backoff.NextDelay(attempt - 1)
			cm.logger.Info("waiting before reconnection attempt", "attempt", attempt+1, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-cm.done:
				timer.Stop()
				return false
			case <-timer.C:
			}
		}

		err := cm.handshake(cm.ctx)
		cm.metrics.RecordReconnectAttempt(err == nil)
		if err != nil {
			cm.logger.Error("reconnection attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		if !cm.transition(Connected, Reconnecting) {
			_ = cm.transport.Close()
			return false
		}
		cm.logger.Info("reconnected to backend", "attempts", attempt+1)
		return true
	}
}

// giveUp moves to Disconnected and releases the run loop in one step, so a
// later Connect can start a fresh loop.
func (cm *ConnectionManager) giveUp() {
	cm.mu.Lock()
	if cm.closed || cm.state != Reconnecting {
		cm.mu.Unlock()
		return
	}
	cm.state = Disconnected
	cm.loopRunning = false
	cm.mu.Unlock()

	cm.notify(Reconnecting, Disconnected)
}

// Closed reports whether Close has been called
func (cm *ConnectionManager) Closed() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.closed
}

func (cm *ConnectionManager) report(err error) {
	if cm.errorHandler != nil {
		cm.errorHandler(err)
	}
}
