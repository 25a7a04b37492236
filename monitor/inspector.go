package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ChannelInfo describes an active pub/sub channel on the backend
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int64  `json:"subscribers"`
}

// ChannelSummary is a point-in-time view of backend pub/sub activity
type ChannelSummary struct {
	Channels         []ChannelInfo `json:"channels"`
	TotalSubscribers int64         `json:"total_subscribers"`
	PatternCount     int64         `json:"pattern_count"`
	Timestamp        time.Time     `json:"timestamp"`
}

// ChannelInspector lists pub/sub activity on the backend
type ChannelInspector interface {
	Inspect(ctx context.Context, pattern string) (*ChannelSummary, error)
}

// RedisInspector queries PUBSUB CHANNELS, NUMSUB and NUMPAT
type RedisInspector struct {
	client goredis.UniversalClient
}

// NewRedisInspector creates an inspector for the server at url
func NewRedisInspector(url string) (*RedisInspector, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisInspector{client: goredis.NewClient(opts)}, nil
}

// NewRedisInspectorFromClient wraps an existing client. Close closes it.
func NewRedisInspectorFromClient(client goredis.UniversalClient) *RedisInspector {
	return &RedisInspector{client: client}
}

// Close releases the underlying client
func (i *RedisInspector) Close() error {
	return i.client.Close()
}

// Ping checks that the server answers
func (i *RedisInspector) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// Inspect returns active channels matching pattern ("" or "*" for all),
// busiest first
func (i *RedisInspector) Inspect(ctx context.Context, pattern string) (*ChannelSummary, error) {
	if pattern == "" {
		pattern = "*"
	}

	names, err := i.client.PubSubChannels(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	summary := &ChannelSummary{
		Channels:  make([]ChannelInfo, 0, len(names)),
		Timestamp: time.Now(),
	}

	if len(names) > 0 {
		counts, err := i.client.PubSubNumSub(ctx, names...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count subscribers: %w", err)
		}
		for _, name := range names {
			summary.Channels = append(summary.Channels, ChannelInfo{Name: name, Subscribers: counts[name]})
			summary.TotalSubscribers += counts[name]
		}
	}

	patterns, err := i.client.PubSubNumPat(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count patterns: %w", err)
	}
	summary.PatternCount = patterns

	sort.Slice(summary.Channels, func(a, b int) bool {
		if summary.Channels[a].Subscribers != summary.Channels[b].Subscribers {
			return summary.Channels[a].Subscribers > summary.Channels[b].Subscribers
		}
		return summary.Channels[a].Name < summary.Channels[b].Name
	})

	return summary, nil
}
