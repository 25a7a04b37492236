package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// SubscriptionManager reference-counts channel interest and issues backend
// SUBSCRIBE/UNSUBSCRIBE only on the 0->1 and 1->0 edges. While the backend
// session is down it only counts; ResubscribeAll restores the rest.
type SubscriptionManager struct {
	transport Transport
	logger    *slog.Logger

	mu   sync.Mutex
	refs map[string]int
	live bool
}

// SubscriptionOption configures the SubscriptionManager
type SubscriptionOption func(*SubscriptionManager)

// WithSubscriptionLogger sets the logger
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(s *SubscriptionManager) {
		s.logger = logger
	}
}

// NewSubscriptionManager creates a subscription manager over transport
func NewSubscriptionManager(transport Transport, options ...SubscriptionOption) *SubscriptionManager {
	s := &SubscriptionManager{
		transport: transport,
		logger:    slog.Default(),
		refs:      make(map[string]int),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// EnsureSubscribed registers interest in channel. A backend rejection rolls
// the count back and returns a *SubscriptionError.
func (s *SubscriptionManager) EnsureSubscribed(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[channel]++
	if s.refs[channel] > 1 || !s.live {
		return nil
	}

	if err := s.transport.Subscribe(ctx, channel); err != nil {
		s.release(channel)
		return &SubscriptionError{Op: "subscribe", Channel: channel, Err: err}
	}

	s.logger.Debug("subscribed to channel", "channel", channel)
	return nil
}

// EnsureUnsubscribed drops one unit of interest in channel
func (s *SubscriptionManager) EnsureUnsubscribed(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[channel] == 0 {
		return nil
	}

	s.release(channel)
	if s.refs[channel] > 0 || !s.live {
		return nil
	}

	if err := s.transport.Unsubscribe(ctx, channel); err != nil {
		return &SubscriptionError{Op: "unsubscribe", Channel: channel, Err: err}
	}

	s.logger.Debug("unsubscribed from channel", "channel", channel)
	return nil
}

// ResubscribeAll marks the backend session live and subscribes every
// channel with a positive count, one command per channel. Failures are
// collected and returned together; the remaining channels are still tried.
func (s *SubscriptionManager) ResubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = true

	var errs []error
	for _, channel := range s.sortedChannels() {
		if err := s.transport.Subscribe(ctx, channel); err != nil {
			s.logger.Error("failed to resubscribe", "channel", channel, "error", err)
			errs = append(errs, &SubscriptionError{Op: "resubscribe", Channel: channel, Err: err})
			continue
		}
		s.logger.Debug("resubscribed to channel", "channel", channel)
	}

	return errors.Join(errs...)
}

// Suspend marks the backend session as gone. Counts are kept.
func (s *SubscriptionManager) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = false
}

// Channels returns the channels with live interest, sorted
func (s *SubscriptionManager) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedChannels()
}

// RefCount returns the reference count for channel
func (s *SubscriptionManager) RefCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[channel]
}

func (s *SubscriptionManager) release(channel string) {
	s.refs[channel]--
	if s.refs[channel] <= 0 {
		delete(s.refs, channel)
	}
}

func (s *SubscriptionManager) sortedChannels() []string {
	channels := make([]string, 0, len(s.refs))
	for channel := range s.refs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}
