package redis

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/mmate-redis/messaging"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	transport, err := NewTransport("redis://"+mr.Addr()+"/0", WithClientOptions(func(o *goredis.Options) {
		o.DialTimeout = 200 * time.Millisecond
		o.MaxRetries = -1
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	return transport, mr
}

func nextEvent(t *testing.T, transport *Transport) messaging.InboundEvent {
	t.Helper()

	select {
	case event := <-transport.Inbound():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
		return messaging.InboundEvent{}
	}
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, channel string, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewTransport(t *testing.T) {
	t.Run("parses url", func(t *testing.T) {
		transport, err := NewTransport("redis://:secret@cache.internal:6380/2")
		require.NoError(t, err)
		assert.Equal(t, "cache.internal:6380", transport.Addr())
		assert.Equal(t, 2, transport.options.DB)
		assert.Equal(t, "secret", transport.options.Password)
	})

	t.Run("rejects bad url", func(t *testing.T) {
		_, err := NewTransport("amqp://localhost")
		assert.Error(t, err)
	})
}

func TestTransportConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("operations require a session", func(t *testing.T) {
		transport, _ := newTestTransport(t)

		assert.ErrorIs(t, transport.Publish(ctx, "lobby", []byte("x")), messaging.ErrNotConnected)
		assert.ErrorIs(t, transport.Subscribe(ctx, "lobby"), messaging.ErrNotConnected)
		assert.ErrorIs(t, transport.Unsubscribe(ctx, "lobby"), messaging.ErrNotConnected)
		assert.ErrorIs(t, transport.Ping(ctx), messaging.ErrNotConnected)
		assert.NoError(t, transport.Close())
	})

	t.Run("fails when the backend is unreachable", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		mr.Close()

		err := transport.Connect(ctx)
		assert.Error(t, err)
		assert.ErrorIs(t, transport.Publish(ctx, "lobby", []byte("x")), messaging.ErrNotConnected)
	})

	t.Run("connects and pings", func(t *testing.T) {
		transport, _ := newTestTransport(t)

		require.NoError(t, transport.Connect(ctx))
		assert.NoError(t, transport.Ping(ctx))
	})
}

func TestTransportPubSub(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers published payloads", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))

		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)

		payload := []byte{0x0c, 'c', 'h', 'a', 't', 0x00, 0xff}
		require.NoError(t, transport.Publish(ctx, "lobby", payload))

		event := nextEvent(t, transport)
		assert.Equal(t, messaging.EventMessage, event.Kind)
		assert.Equal(t, "lobby", event.Channel)
		assert.Equal(t, payload, event.Payload)
	})

	t.Run("receives from other publishers", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby", "kitchen"))
		waitSubscribed(t, mr, "kitchen", 1)

		mr.Publish("kitchen", "dinner")

		event := nextEvent(t, transport)
		assert.Equal(t, "kitchen", event.Channel)
		assert.Equal(t, []byte("dinner"), event.Payload)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)

		require.NoError(t, transport.Unsubscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 0)
	})

	t.Run("new session starts without subscriptions", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)

		require.NoError(t, transport.Connect(ctx))
		waitSubscribed(t, mr, "lobby", 0)
	})
}

func TestTransportConnectionLoss(t *testing.T) {
	ctx := context.Background()

	t.Run("reports a dropped backend once", func(t *testing.T) {
		transport, mr := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))

		mr.Close()

		event := nextEvent(t, transport)
		assert.Equal(t, messaging.EventConnectionLost, event.Kind)
		assert.Error(t, event.Err)

		select {
		case extra := <-transport.Inbound():
			t.Fatalf("unexpected second event: %+v", extra)
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, mr.Restart())
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)
	})

	t.Run("close does not report a lost connection", func(t *testing.T) {
		transport, _ := newTestTransport(t)
		require.NoError(t, transport.Connect(ctx))

		require.NoError(t, transport.Close())

		select {
		case event := <-transport.Inbound():
			t.Fatalf("unexpected event after close: %+v", event)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// freezingProxy forwards TCP traffic to a backend until frozen, then
// silently drops it while keeping both sockets open
type freezingProxy struct {
	listener net.Listener
	backend  string
	frozen   atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func newFreezingProxy(t *testing.T, backend string) *freezingProxy {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &freezingProxy{listener: listener, backend: backend}
	go p.serve()
	t.Cleanup(p.close)
	return p
}

func (p *freezingProxy) Addr() string {
	return p.listener.Addr().String()
}

func (p *freezingProxy) Freeze() {
	p.frozen.Store(true)
}

func (p *freezingProxy) serve() {
	for {
		client, err := p.listener.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.backend)
		if err != nil {
			_ = client.Close()
			continue
		}

		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()

		go p.pipe(server, client)
		go p.pipe(client, server)
	}
}

func (p *freezingProxy) pipe(dst io.Writer, src io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		if p.frozen.Load() {
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (p *freezingProxy) close() {
	_ = p.listener.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
}

func TestTransportHealthCheck(t *testing.T) {
	ctx := context.Background()

	newProxiedTransport := func(t *testing.T, interval time.Duration) (*Transport, *miniredis.Miniredis, *freezingProxy) {
		t.Helper()

		mr := miniredis.RunT(t)
		proxy := newFreezingProxy(t, mr.Addr())
		transport, err := NewTransport("redis://"+proxy.Addr()+"/0",
			WithHealthCheckInterval(interval),
			WithClientOptions(func(o *goredis.Options) {
				o.DialTimeout = 200 * time.Millisecond
				o.MaxRetries = -1
			}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = transport.Close() })
		return transport, mr, proxy
	}

	t.Run("idle healthy session stays up", func(t *testing.T) {
		transport, mr, _ := newProxiedTransport(t, 20*time.Millisecond)
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)

		time.Sleep(200 * time.Millisecond)
		mr.Publish("lobby", "still here")

		event := nextEvent(t, transport)
		assert.Equal(t, messaging.EventMessage, event.Kind)
		assert.Equal(t, []byte("still here"), event.Payload)
	})

	t.Run("reports a link that stops answering", func(t *testing.T) {
		transport, mr, proxy := newProxiedTransport(t, 50*time.Millisecond)
		require.NoError(t, transport.Connect(ctx))
		require.NoError(t, transport.Subscribe(ctx, "lobby"))
		waitSubscribed(t, mr, "lobby", 1)

		proxy.Freeze()

		event := nextEvent(t, transport)
		assert.Equal(t, messaging.EventConnectionLost, event.Kind)
		assert.ErrorIs(t, event.Err, errHealthCheck)
	})
}
