// Package messaging provides the pub/sub runtime core.
//
// This package implements:
//   - ConnectionManager: owns the backend session, its state machine and reconnection with backoff
//   - SubscriptionManager: reference-counted backend SUBSCRIBE/UNSUBSCRIBE per channel
//   - Dispatcher: listener bindings per channel and type id, decode once and fan out
//   - Publisher: encodes typed messages into framed envelopes and sends them
//
// The backend itself is reached through the Transport interface; see
// transports/redis for the Redis implementation.
//
// Example usage:
//
//	subs := messaging.NewSubscriptionManager(transport)
//	dispatcher := messaging.NewDispatcher(registry, subs)
//	conn := messaging.NewConnectionManager(transport,
//		messaging.WithInboundHandler(dispatcher),
//		messaging.WithResubscriber(subs))
//
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//
//	_, err := dispatcher.AddListener(ctx, "lobby", "chat.Message",
//		messaging.MessageHandlerFunc(func(ctx context.Context, msg any) error {
//			fmt.Println(msg.(ChatMessage).Text)
//			return nil
//		}))
//
//	publisher := messaging.NewPublisher(registry, conn)
//	err = publisher.Publish(ctx, "lobby", ChatMessage{Text: "hi"})
package messaging
