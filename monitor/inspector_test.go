package monitor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestInspector(t *testing.T) (*RedisInspector, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	inspector, err := NewRedisInspector("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inspector.Close() })
	return inspector, mr
}

func TestRedisInspector(t *testing.T) {
	ctx := context.Background()

	t.Run("empty server", func(t *testing.T) {
		inspector, _ := newTestInspector(t)

		summary, err := inspector.Inspect(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, summary.Channels)
		assert.Zero(t, summary.TotalSubscribers)
		assert.NoError(t, inspector.Ping(ctx))
	})

	t.Run("lists channels busiest first", func(t *testing.T) {
		inspector, mr := newTestInspector(t)

		a := mr.NewSubscriber()
		defer a.Close()
		b := mr.NewSubscriber()
		defer b.Close()
		a.Subscribe("lobby")
		b.Subscribe("lobby")
		b.Subscribe("status")
		b.Psubscribe("chat.*")

		summary, err := inspector.Inspect(ctx, "*")
		require.NoError(t, err)

		assert.Equal(t, []ChannelInfo{
			{Name: "lobby", Subscribers: 2},
			{Name: "status", Subscribers: 1},
		}, summary.Channels)
		assert.Equal(t, int64(3), summary.TotalSubscribers)
		assert.Equal(t, int64(1), summary.PatternCount)
	})

	t.Run("filters by pattern", func(t *testing.T) {
		inspector, mr := newTestInspector(t)

		sub := mr.NewSubscriber()
		defer sub.Close()
		sub.Subscribe("lobby")
		sub.Subscribe("status")

		summary, err := inspector.Inspect(ctx, "lob*")
		require.NoError(t, err)
		require.Len(t, summary.Channels, 1)
		assert.Equal(t, "lobby", summary.Channels[0].Name)
	})

	t.Run("unreachable server", func(t *testing.T) {
		inspector, mr := newTestInspector(t)
		mr.Close()

		_, err := inspector.Inspect(ctx, "")
		assert.Error(t, err)
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := NewRedisInspector("http://localhost")
		assert.Error(t, err)
	})
}

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) Inspect(ctx context.Context, pattern string) (*ChannelSummary, error) {
	args := m.Called(ctx, pattern)
	summary, _ := args.Get(0).(*ChannelSummary)
	return summary, args.Error(1)
}

func TestChannelWatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("renders a snapshot", func(t *testing.T) {
		inspector := &mockInspector{}
		inspector.On("Inspect", ctx, "*").Return(&ChannelSummary{
			Channels:         []ChannelInfo{{Name: "lobby", Subscribers: 2}},
			TotalSubscribers: 2,
			Timestamp:        time.Now(),
		}, nil)
		var out bytes.Buffer

		require.NoError(t, NewChannelWatcher(inspector, time.Second, &out).Render(ctx, "*"))

		assert.Contains(t, out.String(), "Channels: 1 | Subscribers: 2 | Patterns: 0")
		assert.Contains(t, out.String(), "lobby")
		assert.NotContains(t, out.String(), "\033[2J")
	})

	t.Run("renders empty state", func(t *testing.T) {
		inspector := &mockInspector{}
		inspector.On("Inspect", ctx, "").Return(&ChannelSummary{Timestamp: time.Now()}, nil)
		var out bytes.Buffer

		require.NoError(t, NewChannelWatcher(inspector, time.Second, &out).WithClearScreen(true).Render(ctx, ""))

		assert.True(t, strings.HasPrefix(out.String(), "\033[H\033[2J"))
		assert.Contains(t, out.String(), "No active channels")
	})

	t.Run("watch fails on first error and stops on cancel", func(t *testing.T) {
		inspector := &mockInspector{}
		inspector.On("Inspect", mock.Anything, "*").Return(nil, errors.New("refused")).Once()
		var out bytes.Buffer
		watcher := NewChannelWatcher(inspector, 5*time.Millisecond, &out)

		assert.Error(t, watcher.Watch(ctx, "*"))

		inspector.On("Inspect", mock.Anything, "*").Return(&ChannelSummary{Timestamp: time.Now()}, nil)
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, watcher.Watch(cctx, "*"), context.DeadlineExceeded)
	})

	t.Run("truncates long names", func(t *testing.T) {
		assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
		assert.Equal(t, "short", truncateString("short", 10))
	})
}
