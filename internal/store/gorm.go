package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

// GormStore implements PaymentStore and EventStore on gorm
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var (
	_ PaymentStore = (*GormStore)(nil)
	_ EventStore   = (*GormStore)(nil)
)

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func (s *GormStore) Create(ctx context.Context, p *models.Payment) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if isDuplicate(err) {
			return &apperrors.Error{Kind: apperrors.KindConflict, Message: "payment already exists", Err: err}
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "payment %s not found", id)
	}
	return &p, nil
}

func (s *GormStore) Update(ctx context.Context, p *models.Payment) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		if isDuplicate(err) {
			return &apperrors.Error{Kind: apperrors.KindConflict, Message: "payment update violates a unique key", Err: err}
		}
		return fmt.Errorf("failed to update payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateDetails(ctx context.Context, p *models.Payment) error {
	res := s.db.WithContext(ctx).Model(p).
		Select("amount", "date", "method", "notes", "updated_at").
		Updates(p)
	if res.Error != nil {
		return fmt.Errorf("failed to update payment %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("payment %s not found", p.ID)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&models.Payment{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete payment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("payment %s not found", id)
	}
	return nil
}

func (s *GormStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&p).Error; err != nil {
		return nil, notFound(err, "no payment with idempotency key %q", key)
	}
	return &p, nil
}

func (s *GormStore) FindByReference(ctx context.Context, reference string, statuses ...models.PaymentStatus) (*models.Payment, error) {
	var p models.Payment
	q := s.db.WithContext(ctx).Where("payment_reference = ?", reference)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.First(&p).Error; err != nil {
		return nil, notFound(err, "no payment with reference %q", reference)
	}
	return &p, nil
}

func (s *GormStore) FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("external_transaction_id = ? AND refunded_payment_id IS NULL", externalID).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "no payment with external transaction %q", externalID)
	}
	return &p, nil
}

func (s *GormStore) FindRecurring(ctx context.Context, tenantID string, month time.Time) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND recurring_for_month = ? AND is_recurring = ?", tenantID, models.FirstOfMonth(month), true).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "no recurring payment for tenant %s in %s", tenantID, month.Format("2006-01"))
	}
	return &p, nil
}

func (s *GormStore) FindCompletedOn(ctx context.Context, tenantID string, day time.Time) ([]models.Payment, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var out []models.Payment
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND date >= ? AND date < ?",
			tenantID, models.PaymentStatusCompleted, start, start.AddDate(0, 0, 1)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query completed payments: %w", err)
	}
	return out, nil
}

func (s *GormStore) scoped(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.Payment{})
	if f.Restricted || len(f.TenantIDs) > 0 {
		q = q.Where("tenant_id IN ?", f.TenantIDs)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if len(f.Methods) > 0 {
		q = q.Where("method IN ?", f.Methods)
	}
	if f.From != nil {
		q = q.Where("date >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("date < ?", f.To.UTC())
	}
	if f.Recurring != nil {
		q = q.Where("is_recurring = ?", *f.Recurring)
	}
	return q
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]models.Payment, error) {
	if f.Empty() {
		return []models.Payment{}, nil
	}
	q := s.scoped(ctx, f).Order("date DESC").Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []models.Payment
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}

func (s *GormStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		UpdateColumns(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to move payment %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) UpdateWhereStatus(ctx context.Context, p *models.Payment, expected ...models.PaymentStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(p).
		Where("status IN ?", expected).
		Select("*").Omit("id", "created_at").
		Updates(p)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return false, &apperrors.Error{Kind: apperrors.KindConflict, Message: "payment update violates a unique key", Err: res.Error}
		}
		return false, fmt.Errorf("failed to update payment %s: %w", p.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ? AND is_refunded = ?", id, models.PaymentStatusCompleted, false).
		UpdateColumns(map[string]interface{}{
			"is_refunded": true,
			"updated_at":  at.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to flag payment %s as refunded: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

type totalRow struct {
	Key    string
	Count  int64
	Amount decimal.NullDecimal
}

func (s *GormStore) totals(ctx context.Context, f Filter, column string) ([]Total, error) {
	if f.Empty() {
		return []Total{}, nil
	}
	var rows []totalRow
	err := s.scoped(ctx, f).
		Select(column + " AS key, COUNT(*) AS count, SUM(amount) AS amount").
		Group(column).
		Order(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payments by %s: %w", column, err)
	}
	out := make([]Total, 0, len(rows))
	for _, r := range rows {
		amount := decimal.Zero
		if r.Amount.Valid {
			amount = r.Amount.Decimal.Round(2)
		}
		out = append(out, Total{Key: r.Key, Count: r.Count, Amount: amount})
	}
	return out, nil
}

func (s *GormStore) TotalsByStatus(ctx context.Context, f Filter) ([]Total, error) {
	return s.totals(ctx, f, "status")
}

func (s *GormStore) TotalsByMethod(ctx context.Context, f Filter) ([]Total, error) {
	return s.totals(ctx, f, "method")
}

func (s *GormStore) WithTx(ctx context.Context, fn func(PaymentStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) RecordEvent(ctx context.Context, e *models.GatewayEvent) (*models.GatewayEvent, bool, error) {
	var existing models.GatewayEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", e.Provider, e.ProviderEventID).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up gateway event: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		if isDuplicate(err) {
			// lost a race with a concurrent delivery of the same event
			if ferr := s.db.WithContext(ctx).
				Where("provider = ? AND provider_event_id = ?", e.Provider, e.ProviderEventID).
				First(&existing).Error; ferr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to record gateway event: %w", err)
	}
	return e, true, nil
}

func (s *GormStore) FinishEvent(ctx context.Context, id uuid.UUID, outcome string, paymentID *uuid.UUID, processingErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"outcome":      outcome,
		"processed_at": now,
		"updated_at":   now,
	}
	if paymentID != nil {
		updates["payment_id"] = *paymentID
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&models.GatewayEvent{}).Where("id = ?", id).UpdateColumns(updates).Error; err != nil {
		return fmt.Errorf("failed to finish gateway event %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) ListFailedEvents(ctx context.Context, limit int) ([]models.GatewayEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.GatewayEvent
	err := s.db.WithContext(ctx).
		Where("processing_error IS NOT NULL AND processing_error <> ''").
		Order("received_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed gateway events: %w", err)
	}
	return out, nil
}
