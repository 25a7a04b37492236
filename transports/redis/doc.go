// Package redis implements messaging.Transport on top of go-redis.
//
// Example usage:
//
//	transport, err := redis.NewTransport("redis://localhost:6379/0")
//	if err != nil {
//		return err
//	}
//	client := mmate.NewClient(transport)
package redis
