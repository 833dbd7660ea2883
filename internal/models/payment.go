package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is a single rent payment, or a refund record pointing at one
type Payment struct {
	ID       uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID string          `json:"tenant_id" gorm:"not null;index;uniqueIndex:idx_recurring_tenant_month,where:is_recurring = true"`
	Amount   decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Date     time.Time       `json:"date" gorm:"not null;index"`
	Method   PaymentMethod   `json:"method" gorm:"type:varchar(32);not null"`
	Status   PaymentStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`

	IdempotencyKey   string  `json:"idempotency_key" gorm:"type:varchar(128);not null;uniqueIndex"`
	PaymentReference *string `json:"payment_reference,omitempty" gorm:"type:varchar(64);uniqueIndex"`

	// Gateway interaction
	ExternalTransactionID  string              `json:"external_transaction_id,omitempty" gorm:"type:varchar(128);index"`
	PaymentGatewayProvider string              `json:"payment_gateway_provider,omitempty" gorm:"type:varchar(32)"`
	ProcessingFee          decimal.NullDecimal `json:"processing_fee" gorm:"type:decimal(12,2)"`
	ConfirmationCode       string              `json:"confirmation_code,omitempty" gorm:"type:varchar(128)"`
	ProcessedAt            *time.Time          `json:"processed_at,omitempty"`
	FailureReason          string              `json:"failure_reason,omitempty" gorm:"type:text"`

	// Recurring billing
	IsRecurring       bool       `json:"is_recurring" gorm:"not null;default:false"`
	RecurringForMonth *time.Time `json:"recurring_for_month,omitempty" gorm:"uniqueIndex:idx_recurring_tenant_month,where:is_recurring = true"`

	// Refunds
	IsRefunded        bool       `json:"is_refunded" gorm:"not null;default:false"`
	RefundedPaymentID *uuid.UUID `json:"refunded_payment_id,omitempty" gorm:"type:uuid;index"`
	RefundReason      string     `json:"refund_reason,omitempty" gorm:"type:text"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`

	Notes string `json:"notes,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Payment) TableName() string { return "payments" }

// IsRefundRecord reports whether p is the negative record created by a refund.
func (p *Payment) IsRefundRecord() bool {
	return p.RefundedPaymentID != nil
}

// Reference returns the bank-transfer reference or an empty string.
func (p *Payment) Reference() string {
	if p.PaymentReference == nil {
		return ""
	}
	return *p.PaymentReference
}

// AmountCents converts the amount to minor units for gateways that bill in cents.
func (p *Payment) AmountCents() int64 {
	return p.Amount.Shift(2).Round(0).IntPart()
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

func (p *Payment) BeforeUpdate(tx *gorm.DB) error {
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// FirstOfMonth normalises t to midnight UTC on the first day of its month.
func FirstOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
