package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/eventbus"
)

// BusDispatcher publishes notifications on an event bus topic
type BusDispatcher struct {
	bus    eventbus.EventBus
	topic  string
	logger *zap.Logger
}

func NewBusDispatcher(bus eventbus.EventBus, topic string, logger *zap.Logger) *BusDispatcher {
	return &BusDispatcher{bus: bus, topic: topic, logger: logger}
}

func (d *BusDispatcher) Notify(ctx context.Context, n Notification) {
	if err := d.bus.PublishAsync(ctx, d.topic, n); err != nil {
		d.logger.Warn("Failed to enqueue notification",
			zap.String("type", string(n.Type)),
			zap.String("payment_id", n.PaymentID),
			zap.Error(err))
	}
}

// Relay consumes notifications from a bus topic and hands them to a
// downstream dispatcher, e.g. SQS. One relay per deployment keeps the
// queue free of duplicates.
type Relay struct {
	bus    eventbus.EventBus
	topic  string
	next   Dispatcher
	logger *zap.Logger
	sub    eventbus.Subscription
}

func NewRelay(bus eventbus.EventBus, topic string, next Dispatcher, logger *zap.Logger) *Relay {
	return &Relay{bus: bus, topic: topic, next: next, logger: logger}
}

func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, r.topic, func(ctx context.Context, payload []byte) error {
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("failed to decode notification: %w", err)
		}
		r.next.Notify(ctx, n)
		return nil
	})
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("Notification relay started", zap.String("topic", r.topic))
	return nil
}

func (r *Relay) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
