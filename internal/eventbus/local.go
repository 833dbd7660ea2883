package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalEventBus delivers events in-process. It serves single-instance
// deployments and tests; handlers run synchronously inside Publish.
type LocalEventBus struct {
	logger      *zap.Logger
	subscribers map[string][]*subscription
	mutex       sync.RWMutex
	wg          sync.WaitGroup
}

func NewLocalEventBus(logger *zap.Logger) *LocalEventBus {
	return &LocalEventBus{
		logger:      logger,
		subscribers: make(map[string][]*subscription),
	}
}

func (l *LocalEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mutex.RLock()
	subs := append([]*subscription(nil), l.subscribers[topic]...)
	l.mutex.RUnlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		if err := sub.handler(ctx, payload); err != nil {
			l.logger.Error("Failed to process event",
				zap.String("subscription_id", sub.id),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	return nil
}

func (l *LocalEventBus) PublishAsync(ctx context.Context, topic string, event interface{}) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Publish(context.Background(), topic, event); err != nil {
			l.logger.Error("Async event publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

// Drain waits for in-flight asynchronous publishes.
func (l *LocalEventBus) Drain() {
	l.wg.Wait()
}

func (l *LocalEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     l,
		ctx:     subCtx,
		cancel:  cancel,
	}
	l.mutex.Lock()
	l.subscribers[topic] = append(l.subscribers[topic], sub)
	l.mutex.Unlock()
	return sub, nil
}

func (l *LocalEventBus) Unsubscribe(s Subscription) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	subs := l.subscribers[s.Topic()]
	for i, sub := range subs {
		if sub.ID() == s.ID() {
			sub.cancel()
			l.subscribers[s.Topic()] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription not found: %s", s.ID())
}

func (l *LocalEventBus) Close() error {
	l.Drain()
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, subs := range l.subscribers {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	l.subscribers = make(map[string][]*subscription)
	return nil
}
