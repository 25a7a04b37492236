package messaging

import "context"

// Delivery describes the inbound message a callback is running for
type Delivery struct {
	Channel        string
	TypeID         string
	SubscriptionID string
}

type deliveryKey struct{}

// WithDelivery returns a context carrying d
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery attached by the dispatcher, if any
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
