package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-redis/internal/reliability"
	"github.com/glimte/mmate-redis/serialization"
	"github.com/stretchr/testify/require"
)

type chatMessage struct {
	Text string `json:"text"`
}

type presence struct {
	User   string `json:"user"`
	Online bool   `json:"online"`
}

type publishedFrame struct {
	channel string
	payload []byte
}

// fakeTransport is an in-memory backend. Publishing to a subscribed channel
// loops the payload back through Inbound, as a real broker would.
type fakeTransport struct {
	mu               sync.Mutex
	connected        bool
	connectCalls     int
	connectErrs      []error
	subscribeErrs    map[string]error
	subscribed       map[string]bool
	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
	published        []publishedFrame
	inbound          chan InboundEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subscribeErrs:    make(map[string]error),
		subscribed:       make(map[string]bool),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
		inbound:          make(chan InboundEvent, 1024),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.connected = true
	f.subscribed = make(map[string]bool)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subscribed = make(map[string]bool)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.published = append(f.published, publishedFrame{channel: channel, payload: payload})
	loopback := f.subscribed[channel]
	f.mu.Unlock()

	if loopback {
		f.inbound <- InboundEvent{Kind: EventMessage, Channel: channel, Payload: payload}
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, channel := range channels {
		f.subscribeCalls[channel]++
		if err := f.subscribeErrs[channel]; err != nil {
			return err
		}
		if !f.connected {
			return ErrNotConnected
		}
		f.subscribed[channel] = true
	}
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, channel := range channels {
		f.unsubscribeCalls[channel]++
		delete(f.subscribed, channel)
	}
	return nil
}

func (f *fakeTransport) Inbound() <-chan InboundEvent {
	return f.inbound
}

// drop simulates the backend going away
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.subscribed = make(map[string]bool)
	f.mu.Unlock()

	f.inbound <- InboundEvent{Kind: EventConnectionLost, Err: errors.New("connection reset by peer")}
}

// inject delivers a raw payload as if the backend had routed it
func (f *fakeTransport) inject(channel string, payload []byte) {
	f.inbound <- InboundEvent{Kind: EventMessage, Channel: channel, Payload: payload}
}

func (f *fakeTransport) failConnects(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

func (f *fakeTransport) rejectSubscribe(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs[channel] = err
}

func (f *fakeTransport) subscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls[channel]
}

func (f *fakeTransport) unsubscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribeCalls[channel]
}

func (f *fakeTransport) isSubscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[channel]
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// errorSink collects errors passed to an ErrorHandler
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// stateRecorder collects state transitions
type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]ConnectionState
}

func (r *stateRecorder) OnStateChange(from, to ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]ConnectionState{from, to})
}

func (r *stateRecorder) all() [][2]ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]ConnectionState(nil), r.transitions...)
}

// testRuntime wires the messaging components over a fake transport
type testRuntime struct {
	transport  *fakeTransport
	registry   *serialization.CodecRegistry
	subs       *SubscriptionManager
	dispatcher *Dispatcher
	conn       *ConnectionManager
	publisher  *Publisher
	errors     *errorSink
	states     *stateRecorder
}

func newTestRuntime(t *testing.T, options ...ConnectionOption) *testRuntime {
	t.Helper()

	rt := &testRuntime{
		transport: newFakeTransport(),
		registry:  serialization.NewCodecRegistry(),
		errors:    &errorSink{},
		states:    &stateRecorder{},
	}
	require.NoError(t, serialization.RegisterType[chatMessage](rt.registry, "chat.Message", serialization.JSON[chatMessage]()))
	require.NoError(t, serialization.RegisterType[presence](rt.registry, "chat.Presence", serialization.JSON[presence]()))

	rt.subs = NewSubscriptionManager(rt.transport)
	rt.dispatcher = NewDispatcher(rt.registry, rt.subs, WithDispatcherErrorHandler(rt.errors.handle))

	opts := []ConnectionOption{
		WithInboundHandler(rt.dispatcher),
		WithResubscriber(rt.subs),
		WithBackoffPolicy(reliability.NewFixedDelay(5*time.Millisecond, 0)),
		WithConnectionErrorHandler(rt.errors.handle),
	}
	rt.conn = NewConnectionManager(rt.transport, append(opts, options...)...)
	rt.conn.AddStateListener(rt.states)
	rt.publisher = NewPublisher(rt.registry, rt.conn)

	t.Cleanup(func() {
		_ = rt.conn.Close()
		rt.dispatcher.Close()
	})
	return rt
}

func (rt *testRuntime) frame(t *testing.T, msg any) []byte {
	t.Helper()

	env, err := rt.registry.Encode(msg)
	require.NoError(t, err)
	data, err := env.MarshalFrame()
	require.NoError(t, err)
	return data
}

// collector gathers messages delivered to a listener
type collector[T any] struct {
	mu   sync.Mutex
	msgs []T
}

func (c *collector[T]) handler() MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, msg any) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg.(T))
		return nil
	})
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.msgs...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}
