package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/mmate-redis/contracts"
	"github.com/glimte/mmate-redis/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCodec struct {
	serialization.Codec
	decodes atomic.Int32
}

func (c *countingCodec) Decode(data []byte) (any, error) {
	c.decodes.Add(1)
	return c.Codec.Decode(data)
}

// newLiveDispatcher returns a dispatcher whose subscription manager talks to
// a connected fake transport
func newLiveDispatcher(t *testing.T) (*Dispatcher, *fakeTransport, *serialization.CodecRegistry, *errorSink) {
	t.Helper()

	transport := newFakeTransport()
	require.NoError(t, transport.Connect(context.Background()))

	registry := serialization.NewCodecRegistry()
	require.NoError(t, serialization.RegisterType[chatMessage](registry, "chat.Message", serialization.JSON[chatMessage]()))
	require.NoError(t, serialization.RegisterType[presence](registry, "chat.Presence", serialization.JSON[presence]()))

	subs := NewSubscriptionManager(transport)
	require.NoError(t, subs.ResubscribeAll(context.Background()))

	sink := &errorSink{}
	return NewDispatcher(registry, subs, WithDispatcherErrorHandler(sink.handle)), transport, registry, sink
}

func encodeFrame(t *testing.T, registry *serialization.CodecRegistry, msg any) []byte {
	t.Helper()

	env, err := registry.Encode(msg)
	require.NoError(t, err)
	data, err := env.MarshalFrame()
	require.NoError(t, err)
	return data
}

func TestDispatcherRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers only to listeners of the decoded type", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}
		presences := &collector[presence]{}

		_, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)
		_, err = d.AddListener(ctx, "lobby", "chat.Presence", presences.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Equal(t, []chatMessage{{Text: "hi"}}, chats.all())
		assert.Empty(t, presences.all())
	})

	t.Run("ignores other channels", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}

		_, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "kitchen", encodeFrame(t, registry, chatMessage{Text: "hi"}))
		assert.Empty(t, chats.all())
	})

	t.Run("decodes once for many listeners", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		codec := &countingCodec{Codec: serialization.JSON[chatMessage]()}
		require.NoError(t, registry.Register("chat.Message", codec))

		first := &collector[chatMessage]{}
		second := &collector[chatMessage]{}
		_, err := d.AddListener(ctx, "lobby", "chat.Message", first.handler())
		require.NoError(t, err)
		_, err = d.AddListener(ctx, "lobby", "chat.Message", second.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Equal(t, int32(1), codec.decodes.Load())
		assert.Equal(t, 1, first.len())
		assert.Equal(t, 1, second.len())
	})

	t.Run("skips decoding when no listener wants the type", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		codec := &countingCodec{Codec: serialization.JSON[chatMessage]()}
		require.NoError(t, registry.Register("chat.Message", codec))

		_, err := d.AddListener(ctx, "lobby", "chat.Presence", (&collector[presence]{}).handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))
		assert.Zero(t, codec.decodes.Load())
	})

	t.Run("raw listeners receive the envelope", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		var got contracts.Envelope

		_, err := d.AddRawListener(ctx, "lobby", func(ctx context.Context, env contracts.Envelope) error {
			got = env
			return nil
		})
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Equal(t, "chat.Message", got.TypeID)
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))
	})

	t.Run("callbacks see the delivery in their context", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		var got Delivery

		sub, err := d.AddListener(ctx, "lobby", "chat.Message", MessageHandlerFunc(func(ctx context.Context, msg any) error {
			got, _ = DeliveryFromContext(ctx)
			return nil
		}))
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Equal(t, Delivery{Channel: "lobby", TypeID: "chat.Message", SubscriptionID: sub.ID}, got)
		_, ok := DeliveryFromContext(ctx)
		assert.False(t, ok)
	})
}

func TestDispatcherFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown type id reaches no listener", func(t *testing.T) {
		d, _, _, sink := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}
		_, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)

		frame, err := contracts.Envelope{TypeID: "chat.Unknown", Payload: []byte("{}")}.MarshalFrame()
		require.NoError(t, err)

		assert.NotPanics(t, func() { d.HandleRaw(ctx, "lobby", frame) })
		assert.Empty(t, chats.all())

		errs := sink.all()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], serialization.ErrUnknownTypeID)
	})

	t.Run("malformed frame is reported as a decode error", func(t *testing.T) {
		d, _, _, sink := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}
		_, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", []byte{0x00})

		assert.Empty(t, chats.all())
		errs := sink.all()
		require.Len(t, errs, 1)
		assert.True(t, serialization.IsDecodeError(errs[0]))
		assert.ErrorIs(t, errs[0], contracts.ErrMalformedFrame)
	})

	t.Run("decode failure skips callbacks and later messages still flow", func(t *testing.T) {
		d, _, registry, sink := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}
		_, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)

		broken, err := contracts.Envelope{TypeID: "chat.Message", Payload: []byte("{nope")}.MarshalFrame()
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", broken)
		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "after"}))

		assert.Equal(t, []chatMessage{{Text: "after"}}, chats.all())
		errs := sink.all()
		require.Len(t, errs, 1)
		var decErr *serialization.DecodeError
		require.ErrorAs(t, errs[0], &decErr)
		assert.Equal(t, "chat.Message", decErr.TypeID)
	})

	t.Run("failing and panicking listeners do not affect others", func(t *testing.T) {
		d, _, registry, sink := newLiveDispatcher(t)
		healthy := &collector[chatMessage]{}

		_, err := d.AddListener(ctx, "lobby", "chat.Message", MessageHandlerFunc(func(ctx context.Context, msg any) error {
			return errors.New("listener failed")
		}))
		require.NoError(t, err)
		panicky, err := d.AddListener(ctx, "lobby", "chat.Message", MessageHandlerFunc(func(ctx context.Context, msg any) error {
			panic("listener exploded")
		}))
		require.NoError(t, err)
		_, err = d.AddListener(ctx, "lobby", "chat.Message", healthy.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Equal(t, 1, healthy.len())
		errs := sink.all()
		require.Len(t, errs, 2)

		var first, second *CallbackError
		require.ErrorAs(t, errs[0], &first)
		assert.EqualError(t, first.Err, "listener failed")
		require.ErrorAs(t, errs[1], &second)
		assert.Equal(t, "listener exploded", second.Panic)
		assert.Equal(t, panicky.ID, second.SubscriptionID)
	})
}

func TestDispatcherListenerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid bindings", func(t *testing.T) {
		d, _, _, _ := newLiveDispatcher(t)
		handler := (&collector[chatMessage]{}).handler()

		_, err := d.AddListener(ctx, "", "chat.Message", handler)
		assert.Error(t, err)
		_, err = d.AddListener(ctx, "lobby", "", handler)
		assert.Error(t, err)
		_, err = d.AddListener(ctx, "lobby", "chat.Message", nil)
		assert.Error(t, err)
	})

	t.Run("rolls back when the backend rejects the subscription", func(t *testing.T) {
		d, transport, _, _ := newLiveDispatcher(t)
		transport.rejectSubscribe("secret", errors.New("NOPERM"))

		sub, err := d.AddListener(ctx, "secret", "chat.Message", (&collector[chatMessage]{}).handler())

		var subErr *SubscriptionError
		require.ErrorAs(t, err, &subErr)
		assert.Nil(t, sub)
		assert.Zero(t, d.ListenerCount("secret"))
		assert.Zero(t, d.subscriptions.RefCount("secret"))
	})

	t.Run("shares one backend subscription per channel", func(t *testing.T) {
		d, transport, _, _ := newLiveDispatcher(t)

		first, err := d.AddListener(ctx, "lobby", "chat.Message", (&collector[chatMessage]{}).handler())
		require.NoError(t, err)
		second, err := d.AddListener(ctx, "lobby", "chat.Presence", (&collector[presence]{}).handler())
		require.NoError(t, err)
		assert.Equal(t, 1, transport.subscribeCount("lobby"))

		require.NoError(t, d.RemoveListener(ctx, first))
		assert.True(t, transport.isSubscribed("lobby"))

		require.NoError(t, d.RemoveListener(ctx, second))
		assert.False(t, transport.isSubscribed("lobby"))
		assert.Equal(t, 1, transport.unsubscribeCount("lobby"))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		d, transport, _, _ := newLiveDispatcher(t)

		sub, err := d.AddListener(ctx, "lobby", "chat.Message", (&collector[chatMessage]{}).handler())
		require.NoError(t, err)

		require.NoError(t, d.RemoveListener(ctx, sub))
		require.NoError(t, d.RemoveListener(ctx, sub))
		require.NoError(t, d.RemoveListener(ctx, nil))

		assert.False(t, sub.Active())
		assert.Equal(t, 1, transport.unsubscribeCount("lobby"))
	})

	t.Run("removed listener is not invoked", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}

		sub, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)
		require.NoError(t, d.RemoveListener(ctx, sub))

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "late"}))
		assert.Empty(t, chats.all())
	})

	t.Run("listener removed during dispatch misses the in-flight message", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		victim := &collector[chatMessage]{}

		var victimSub *Subscription
		_, err := d.AddListener(ctx, "lobby", "chat.Message", MessageHandlerFunc(func(ctx context.Context, msg any) error {
			return d.RemoveListener(ctx, victimSub)
		}))
		require.NoError(t, err)
		victimSub, err = d.AddListener(ctx, "lobby", "chat.Message", victim.handler())
		require.NoError(t, err)

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.Empty(t, victim.all())
		assert.Equal(t, 1, d.ListenerCount("lobby"))
	})

	t.Run("listener removed during its own callback finishes it and gets nothing more", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		var calls, completed atomic.Int32
		entered := make(chan struct{})
		release := make(chan struct{})

		sub, err := d.AddListener(ctx, "lobby", "chat.Message", MessageHandlerFunc(func(ctx context.Context, msg any) error {
			if calls.Add(1) == 1 {
				close(entered)
			}
			<-release
			completed.Add(1)
			return nil
		}))
		require.NoError(t, err)

		first := encodeFrame(t, registry, chatMessage{Text: "first"})
		dispatched := make(chan struct{})
		go func() {
			defer close(dispatched)
			d.HandleRaw(ctx, "lobby", first)
		}()
		<-entered

		require.NoError(t, d.RemoveListener(ctx, sub))
		close(release)
		<-dispatched

		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "second"}))

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, int32(1), completed.Load())
		assert.False(t, sub.Active())
	})

	t.Run("concurrent add remove and dispatch", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		frame := encodeFrame(t, registry, chatMessage{Text: "hi"})

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				sub, err := d.AddListener(ctx, "lobby", "chat.Message", (&collector[chatMessage]{}).handler())
				if err == nil {
					_ = d.RemoveListener(ctx, sub)
				}
			}()
			go func() {
				defer wg.Done()
				d.HandleRaw(ctx, "lobby", frame)
			}()
		}
		wg.Wait()

		assert.Zero(t, d.ListenerCount("lobby"))
		assert.Zero(t, d.subscriptions.RefCount("lobby"))
	})

	t.Run("close drops every binding", func(t *testing.T) {
		d, _, registry, _ := newLiveDispatcher(t)
		chats := &collector[chatMessage]{}
		sub, err := d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		require.NoError(t, err)

		d.Close()
		d.HandleRaw(ctx, "lobby", encodeFrame(t, registry, chatMessage{Text: "hi"}))

		assert.False(t, sub.Active())
		assert.Empty(t, chats.all())

		_, err = d.AddListener(ctx, "lobby", "chat.Message", chats.handler())
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = d.AddRawListener(ctx, "lobby", func(context.Context, contracts.Envelope) error { return nil })
		assert.ErrorIs(t, err, ErrShutdown)
		assert.Zero(t, d.ListenerCount("lobby"))
	})
}
