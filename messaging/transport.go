package messaging

import (
	"context"
)

// EventKind classifies inbound transport events
type EventKind int

const (
	// EventMessage carries a raw payload received on a channel
	EventMessage EventKind = iota
	// EventConnectionLost reports that the current backend session ended
	EventConnectionLost
)

// InboundEvent is one item of the transport's inbound stream
type InboundEvent struct {
	Kind    EventKind
	Channel string
	Payload []byte
	Err     error
}

// Transport is the backend capability the runtime is built on. It owns the
// socket and raw pub/sub commands; reconnection and resubscription live in
// ConnectionManager.
type Transport interface {
	// Connect opens a new backend session, replacing any previous one
	Connect(ctx context.Context) error

	// Close ends the current session
	Close() error

	// Publish sends payload to channel on the current session
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe issues a backend subscribe for channels
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe issues a backend unsubscribe for channels
	Unsubscribe(ctx context.Context, channels ...string) error

	// Inbound returns the event stream. It lives as long as the transport and
	// reports at most one EventConnectionLost per session.
	Inbound() <-chan InboundEvent
}
