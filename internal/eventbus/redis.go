package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisEventBus implements EventBus using Redis pub/sub
type RedisEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string][]*subscription
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRedisEventBus creates a bus over an already configured client and
// verifies the connection.
func NewRedisEventBus(client *redis.Client, logger *zap.Logger) (*RedisEventBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*subscription),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish publishes an event to a topic
func (r *RedisEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := r.client.Publish(ctx, topic, eventData)
	if result.Err() != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", result.Err())
	}

	r.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.Int64("recipients", result.Val()),
		zap.String("event_type", fmt.Sprintf("%T", event)))
	return nil
}

// PublishAsync publishes on a detached context so the caller's request
// ending does not drop the event.
func (r *RedisEventBus) PublishAsync(ctx context.Context, topic string, event interface{}) error {
	go func() {
		if err := r.Publish(r.ctx, topic, event); err != nil {
			r.logger.Error("Async event publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
	return nil
}

// Subscribe subscribes to events on a topic
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     r,
		ctx:     subCtx,
		cancel:  cancel,
	}

	pubsub := r.client.Subscribe(subCtx, topic)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	r.mutex.Lock()
	r.subscribers[topic] = append(r.subscribers[topic], sub)
	r.mutex.Unlock()

	go r.listen(sub, pubsub)

	r.logger.Info("Subscription created",
		zap.String("subscription_id", sub.id),
		zap.String("topic", topic))
	return sub, nil
}

// Unsubscribe removes a subscription
func (r *RedisEventBus) Unsubscribe(s Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	subs := r.subscribers[s.Topic()]
	for i, sub := range subs {
		if sub.ID() == s.ID() {
			sub.cancel()
			r.subscribers[s.Topic()] = append(subs[:i], subs[i+1:]...)
			r.logger.Info("Subscription removed",
				zap.String("subscription_id", s.ID()),
				zap.String("topic", s.Topic()))
			return nil
		}
	}
	return fmt.Errorf("subscription not found: %s", s.ID())
}

// Close stops all subscriptions. The redis client is owned by the caller.
func (r *RedisEventBus) Close() error {
	r.cancel()
	r.logger.Info("Redis event bus closed")
	return nil
}

func (r *RedisEventBus) listen(sub *subscription, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := sub.handler(sub.ctx, []byte(msg.Payload)); err != nil {
				r.logger.Error("Failed to process event",
					zap.String("subscription_id", sub.id),
					zap.String("topic", sub.topic),
					zap.Error(err))
			}
		}
	}
}

type subscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     EventBus
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *subscription) ID() string    { return s.id }
func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	return s.bus.Unsubscribe(s)
}
