package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-redis/contracts"
	"github.com/glimte/mmate-redis/serialization"
)

// Publisher encodes messages and sends them through a Sender
type Publisher struct {
	registry *serialization.CodecRegistry
	sender   Sender
	logger   *slog.Logger
	metrics  MetricsCollector
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher creates a publisher encoding with registry
func NewPublisher(registry *serialization.CodecRegistry, sender Sender, options ...PublisherOption) *Publisher {
	p := &Publisher{
		registry: registry,
		sender:   sender,
		logger:   slog.Default(),
		metrics:  &NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish encodes msg with its registered codec and sends it to channel.
// Encoding happens first, so an unregistered message fails without
// touching the backend.
func (p *Publisher) Publish(ctx context.Context, channel string, msg any) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	env, err := p.registry.Encode(msg)
	if err != nil {
		p.metrics.RecordPublish(metricTypeID(p.registry, msg), 0, false)
		return err
	}

	return p.send(ctx, channel, env)
}

// PublishRaw sends an already encoded payload under typeID
func (p *Publisher) PublishRaw(ctx context.Context, channel, typeID string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	return p.send(ctx, channel, contracts.Envelope{TypeID: typeID, Payload: payload})
}

// PublishAsync publishes on a separate goroutine. The returned channel
// receives exactly one result and is then closed.
func (p *Publisher) PublishAsync(ctx context.Context, channel string, msg any) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- p.Publish(ctx, channel, msg)
	}()
	return result
}

func (p *Publisher) send(ctx context.Context, channel string, env contracts.Envelope) error {
	frame, err := env.MarshalFrame()
	if err != nil {
		p.metrics.RecordPublish(env.TypeID, 0, false)
		return err
	}

	start := time.Now()
	err = p.sender.Publish(ctx, channel, frame)
	p.metrics.RecordPublish(env.TypeID, time.Since(start), err == nil)
	if err != nil {
		p.logger.Debug("publish failed", "channel", channel, "typeId", env.TypeID, "error", err)
		return err
	}

	p.logger.Debug("message published",
		"channel", channel,
		"typeId", env.TypeID,
		"size", len(frame))
	return nil
}

func metricTypeID(registry *serialization.CodecRegistry, msg any) string {
	if id, err := registry.TypeIDOf(msg); err == nil {
		return id
	}
	return "unknown"
}
