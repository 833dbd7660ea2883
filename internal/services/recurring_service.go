package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/notification"
	"github.com/sambitmohanty1/rentpay/internal/reference"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// RecurringService creates the expected rent payment for every running lease
type RecurringService struct {
	store    store.PaymentStore
	dir      directory.Directory
	notifier notification.Dispatcher
	logger   *zap.Logger
}

func NewRecurringService(s store.PaymentStore, dir directory.Directory, notifier notification.Dispatcher, logger *zap.Logger) *RecurringService {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &RecurringService{store: s, dir: dir, notifier: notifier, logger: logger}
}

// GenerationResult lists the recurring payments for a month after a run
type GenerationResult struct {
	Month    time.Time        `json:"month"`
	Payments []models.Payment `json:"payments"`
	Created  int              `json:"created"`
	Skipped  int              `json:"skipped"`
}

// GenerateForMonth makes sure every active tenant has one recurring payment
// for the month. Running it again for the same month inserts nothing.
func (s *RecurringService) GenerateForMonth(ctx context.Context, billingMonth time.Time) (*GenerationResult, error) {
	month := models.FirstOfMonth(billingMonth)
	tenants, err := s.dir.ListActiveTenants(ctx)
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{Month: month, Payments: make([]models.Payment, 0, len(tenants))}
	var errs []error
	for i := range tenants {
		tenant := &tenants[i]
		if !tenant.LeaseCovers(month) {
			result.Skipped++
			continue
		}
		p, created, err := s.ensure(ctx, tenant, month)
		if err != nil {
			s.logger.Error("Failed to generate recurring payment",
				zap.String("tenant_id", tenant.ID),
				zap.Time("month", month),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.ID, err))
			continue
		}
		if p == nil {
			result.Skipped++
			continue
		}
		if created {
			result.Created++
		}
		result.Payments = append(result.Payments, *p)
	}

	s.logger.Info("Recurring payments generated",
		zap.Time("month", month),
		zap.Int("created", result.Created),
		zap.Int("total", len(result.Payments)),
		zap.Int("skipped", result.Skipped))

	if len(errs) > 0 {
		return result, fmt.Errorf("recurring generation failed for %d tenants: %w", len(errs), errors.Join(errs...))
	}
	return result, nil
}

func (s *RecurringService) ensure(ctx context.Context, tenant *models.Tenant, month time.Time) (*models.Payment, bool, error) {
	existing, err := s.store.FindRecurring(ctx, tenant.ID, month)
	if err == nil {
		return existing, false, nil
	}
	if !apperrors.IsKind(err, apperrors.KindNotFound) {
		return nil, false, err
	}
	if !tenant.RentAmount.IsPositive() {
		s.logger.Warn("Tenant has no rent amount; skipping", zap.String("tenant_id", tenant.ID))
		return nil, false, nil
	}

	ref := reference.Generate(tenant.ID, month)
	forMonth := month
	p := &models.Payment{
		TenantID:          tenant.ID,
		Amount:            tenant.RentAmount.Round(2),
		Date:              month,
		Method:            models.MethodBankTransfer,
		Status:            models.PaymentStatusPending,
		IdempotencyKey:    fmt.Sprintf("recurring-%s-%s", tenant.ID, month.Format("200601")),
		PaymentReference:  &ref,
		IsRecurring:       true,
		RecurringForMonth: &forMonth,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if !apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, false, err
		}
		// another run inserted it first
		if existing, ferr := s.store.FindRecurring(ctx, tenant.ID, month); ferr == nil {
			return existing, false, nil
		}
		if holder, ferr := s.store.FindByReference(ctx, ref); ferr == nil {
			// a cancelled or failed holder leaves the month unbilled
			if holder.Status == models.PaymentStatusCancelled || holder.Status == models.PaymentStatusFailed {
				return nil, false, apperrors.Conflict("reference %s is held by %s payment %s; rent for %s is not billed",
					ref, holder.Status, holder.ID, month.Format("2006-01"))
			}
			s.logger.Warn("Reference already held by another payment; recurring payment not created",
				zap.String("tenant_id", tenant.ID),
				zap.String("reference", ref),
				zap.String("payment_id", holder.ID.String()))
			return nil, false, nil
		}
		return nil, false, err
	}
	return p, true, nil
}

// NotifyOverdue sends an overdue notice for every recurring payment still
// pending grace after its billing date. It returns how many were sent.
func (s *RecurringService) NotifyOverdue(ctx context.Context, asOf time.Time, grace time.Duration) (int, error) {
	recurring := true
	cutoff := asOf.UTC().Add(-grace)
	overdue, err := s.store.List(ctx, store.Filter{
		Statuses:  []models.PaymentStatus{models.PaymentStatusPending},
		Recurring: &recurring,
		To:        &cutoff,
	})
	if err != nil {
		return 0, err
	}
	for i := range overdue {
		s.notifier.Notify(ctx, notification.For(notification.TypePaymentOverdue, &overdue[i]))
	}
	if len(overdue) > 0 {
		s.logger.Info("Overdue notifications sent", zap.Int("count", len(overdue)), zap.Time("cutoff", cutoff))
	}
	return len(overdue), nil
}
