package eventbus

import "context"

// EventBus defines the interface for asynchronous event communication
type EventBus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	PublishAsync(ctx context.Context, topic string, event interface{}) error

	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)

	Unsubscribe(subscription Subscription) error
	Close() error
}

// EventHandler processes incoming events. Payloads arrive as raw JSON.
type EventHandler func(ctx context.Context, payload []byte) error

// Subscription represents an event subscription
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}
