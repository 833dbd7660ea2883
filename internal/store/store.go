// Package store is the record store the payment engine reads and writes
// through. The gorm implementation works against postgres in production and
// sqlite in tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sambitmohanty1/rentpay/internal/models"
)

// Filter narrows a payment query. When Restricted is set, TenantIDs is an
// allow-list and an empty list matches nothing.
type Filter struct {
	TenantIDs  []string
	Restricted bool
	Statuses   []models.PaymentStatus
	Methods    []models.PaymentMethod
	From       *time.Time
	To         *time.Time
	Recurring  *bool
	Limit      int
	Offset     int
}

// Empty reports whether the filter can never match a row.
func (f Filter) Empty() bool {
	return f.Restricted && len(f.TenantIDs) == 0
}

// Total is an aggregate over a group of payments
type Total struct {
	Key    string          `json:"key"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// PaymentStore is the record store for payments
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	Update(ctx context.Context, p *models.Payment) error
	// UpdateDetails writes only amount, date, method and notes, leaving the
	// lifecycle columns to the writers that own them.
	UpdateDetails(ctx context.Context, p *models.Payment) error
	Delete(ctx context.Context, id uuid.UUID) error

	FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	FindByReference(ctx context.Context, reference string, statuses ...models.PaymentStatus) (*models.Payment, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	FindRecurring(ctx context.Context, tenantID string, month time.Time) (*models.Payment, error)
	FindCompletedOn(ctx context.Context, tenantID string, day time.Time) ([]models.Payment, error)
	List(ctx context.Context, f Filter) ([]models.Payment, error)

	// CompareAndSwapStatus moves the payment to `to` only if its current status
	// is one of `from`. It returns false when another writer got there first.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from []models.PaymentStatus, to models.PaymentStatus) (bool, error)
	// UpdateWhereStatus writes every column of p, but only while the stored
	// status is still one of expected.
	UpdateWhereStatus(ctx context.Context, p *models.Payment, expected ...models.PaymentStatus) (bool, error)
	// MarkRefunded flags a completed, not yet refunded payment. It returns
	// false when the guard does not hold.
	MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	TotalsByStatus(ctx context.Context, f Filter) ([]Total, error)
	TotalsByMethod(ctx context.Context, f Filter) ([]Total, error)

	// WithTx runs fn against a store bound to a single transaction.
	WithTx(ctx context.Context, fn func(PaymentStore) error) error
}

// EventStore persists webhook deliveries
type EventStore interface {
	// RecordEvent inserts the event unless (provider, provider event id) is
	// already known, in which case the stored row is returned with created=false.
	RecordEvent(ctx context.Context, e *models.GatewayEvent) (stored *models.GatewayEvent, created bool, err error)
	FinishEvent(ctx context.Context, id uuid.UUID, outcome string, paymentID *uuid.UUID, processingErr error) error
	ListFailedEvents(ctx context.Context, limit int) ([]models.GatewayEvent, error)
}
