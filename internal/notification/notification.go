// Package notification enqueues tenant-facing notifications after payment
// state changes. Dispatch is fire-and-forget: Notify never blocks on delivery
// and never reports failure to the caller.
package notification

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/models"
)

// Type names the notification template
type Type string

const (
	TypePaymentConfirmed Type = "payment_confirmed"
	TypePaymentFailed    Type = "payment_failed"
	TypePaymentOverdue   Type = "payment_overdue"
	TypePaymentRefunded  Type = "payment_refunded"
)

// Notification is the message handed to the email pipeline
type Notification struct {
	Type       Type            `json:"type"`
	PaymentID  string          `json:"payment_id"`
	TenantID   string          `json:"tenant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// For builds a notification about p.
func For(t Type, p *models.Payment) Notification {
	return Notification{
		Type:       t,
		PaymentID:  p.ID.String(),
		TenantID:   p.TenantID,
		Amount:     p.Amount,
		Reference:  p.Reference(),
		Reason:     p.FailureReason,
		OccurredAt: time.Now().UTC(),
	}
}

// Dispatcher enqueues notifications
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

// LogDispatcher only writes notifications to the log
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) {
	d.logger.Info("Notification enqueued",
		zap.String("type", string(n.Type)),
		zap.String("payment_id", n.PaymentID),
		zap.String("tenant_id", n.TenantID),
		zap.String("amount", n.Amount.String()))
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
