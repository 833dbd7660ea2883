package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/idempotency"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/monitoring"
	"github.com/sambitmohanty1/rentpay/internal/notification"
	"github.com/sambitmohanty1/rentpay/internal/reference"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// PaymentService owns every status transition of a payment
type PaymentService struct {
	store    store.PaymentStore
	dir      directory.Directory
	gateways *gateway.Registry
	guard    *idempotency.Guard
	access   *access.Filter
	notifier notification.Dispatcher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	s store.PaymentStore,
	dir directory.Directory,
	gateways *gateway.Registry,
	notifier notification.Dispatcher,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *PaymentService {
	if gateways == nil {
		gateways = gateway.NewRegistry()
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	return &PaymentService{
		store:    s,
		dir:      dir,
		gateways: gateways,
		guard:    idempotency.NewGuard(s),
		access:   access.NewFilter(dir),
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("payment-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitiateRequest is an ad hoc payment a caller wants to record
type InitiateRequest struct {
	TenantID       string               `json:"tenant_id"`
	Amount         decimal.Decimal      `json:"amount"`
	Method         models.PaymentMethod `json:"method"`
	Date           time.Time            `json:"date"`
	IdempotencyKey string               `json:"idempotency_key"`
	Notes          string               `json:"notes"`
}

// UpdateRequest carries the editable fields of a payment. Nil fields are left alone.
type UpdateRequest struct {
	Amount *decimal.Decimal      `json:"amount"`
	Date   *time.Time            `json:"date"`
	Method *models.PaymentMethod `json:"method"`
	Notes  *string               `json:"notes"`
}

// IntentResult is what a client needs to finish a card payment in the browser
type IntentResult struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

// Initiate records a new Pending payment. A repeated idempotency key returns
// the payment created the first time.
func (s *PaymentService) Initiate(ctx context.Context, caller access.CallerContext, req InitiateRequest) (*models.Payment, error) {
	if req.TenantID == "" {
		return nil, apperrors.Validation("tenant_id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.InvalidAmount("amount must be greater than zero, got %s", req.Amount)
	}
	if !req.Method.Valid() {
		return nil, apperrors.Validation("unknown payment method %q", req.Method)
	}

	tenant, err := s.dir.GetTenant(ctx, req.TenantID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil, apperrors.Validation("tenant %s does not exist", req.TenantID)
		}
		return nil, err
	}
	if err := s.access.Authorize(ctx, caller, &models.Payment{TenantID: tenant.ID}); err != nil {
		return nil, err
	}

	reservation, err := s.guard.Reserve(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reservation.Accepted {
		s.logger.Info("Idempotent replay of payment initiation",
			zap.String("payment_id", reservation.Existing.ID.String()),
			zap.String("idempotency_key", reservation.Key))
		return reservation.Existing, s.access.Authorize(ctx, caller, reservation.Existing)
	}

	date := req.Date.UTC()
	if req.Date.IsZero() {
		date = s.now()
	}

	if dup, err := s.guard.CheckDuplicate(ctx, tenant.ID, date, req.Amount); err != nil {
		s.logger.Warn("Duplicate payment check failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
	} else if dup {
		s.logger.Warn("Possible duplicate payment: a completed payment with the same amount exists on this date",
			zap.String("tenant_id", tenant.ID),
			zap.String("amount", req.Amount.String()),
			zap.Time("date", date))
	}

	p := &models.Payment{
		TenantID:       tenant.ID,
		Amount:         req.Amount.Round(2),
		Date:           date,
		Method:         req.Method,
		Status:         models.PaymentStatusPending,
		IdempotencyKey: reservation.Key,
		Notes:          req.Notes,
	}
	if req.Method == models.MethodBankTransfer {
		ref := reference.Generate(tenant.ID, date)
		p.PaymentReference = &ref
	}

	if err := s.store.Create(ctx, p); err != nil {
		if !apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, err
		}
		// a concurrent request with the same key won the insert
		if existing, ferr := s.store.FindByIdempotencyKey(ctx, reservation.Key); ferr == nil {
			return existing, nil
		}
		if p.PaymentReference != nil {
			if holder, ferr := s.store.FindByReference(ctx, *p.PaymentReference); ferr == nil {
				return nil, apperrors.Conflict("reference %s is already assigned to payment %s", *p.PaymentReference, holder.ID)
			}
		}
		return nil, err
	}

	s.logger.Info("Payment initiated",
		zap.String("payment_id", p.ID.String()),
		zap.String("tenant_id", p.TenantID),
		zap.String("method", string(p.Method)),
		zap.String("amount", p.Amount.String()),
		zap.String("reference", p.Reference()))
	return p, nil
}

// Get returns a payment the caller may see
func (s *PaymentService) Get(ctx context.Context, caller access.CallerContext, id uuid.UUID) (*models.Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(ctx, caller, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns the payments matching f, narrowed to the caller's scope.
func (s *PaymentService) List(ctx context.Context, caller access.CallerContext, f store.Filter) ([]models.Payment, error) {
	scoped, err := s.access.Scope(ctx, caller, f)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, scoped)
}

func (s *PaymentService) ListPending(ctx context.Context, caller access.CallerContext) ([]models.Payment, error) {
	return s.List(ctx, caller, store.Filter{Statuses: []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing}})
}

func (s *PaymentService) ListFailed(ctx context.Context, caller access.CallerContext) ([]models.Payment, error) {
	return s.List(ctx, caller, store.Filter{Statuses: []models.PaymentStatus{models.PaymentStatusFailed}})
}

// gatewayFor picks the gateway that already handled p, falling back to the active one.
func (s *PaymentService) gatewayFor(p *models.Payment) gateway.Gateway {
	if p.PaymentGatewayProvider != "" {
		if g, ok := s.gateways.Get(p.PaymentGatewayProvider); ok {
			return g
		}
	}
	return s.gateways.Active()
}

// CreateIntent opens a gateway intent for a Pending card payment. The
// payment keeps its status; only the external id and provider are stored.
func (s *PaymentService) CreateIntent(ctx context.Context, caller access.CallerContext, id uuid.UUID) (*IntentResult, error) {
	p, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusPending {
		return nil, apperrors.InvalidState("payment %s is %s; intents can only be created while pending", p.ID, p.Status)
	}
	gw := s.gateways.Active()
	if gw == nil {
		return nil, apperrors.GatewayUnavailable("no payment gateway is configured")
	}
	tenant, err := s.dir.GetTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	resp, err := gw.CreatePaymentIntent(ctx, p, tenant)
	if err != nil {
		s.metrics.RecordGatewayError()
		return nil, apperrors.Gateway(err, "failed to create payment intent")
	}
	if !resp.Success {
		return nil, apperrors.Gateway(nil, "gateway rejected payment intent: %s", resp.ErrorMessage)
	}

	p.ExternalTransactionID = resp.TransactionID
	p.PaymentGatewayProvider = gw.ProviderName()
	ok, err := s.store.UpdateWhereStatus(ctx, p, models.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.InvalidState("payment %s left pending while the intent was created", p.ID)
	}

	s.logger.Info("Payment intent created",
		zap.String("payment_id", p.ID.String()),
		zap.String("provider", p.PaymentGatewayProvider),
		zap.String("external_transaction_id", p.ExternalTransactionID))
	return &IntentResult{Payment: p, ClientSecret: resp.ClientSecret}, nil
}

// Process drives a Pending payment to its outcome. Settled payments and
// payments another caller is already processing are returned unchanged.
// When the gateway call itself fails the payment is stored as Failed before
// the error is returned.
func (s *PaymentService) Process(ctx context.Context, caller access.CallerContext, id uuid.UUID, externalTransactionID string) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "payment.process", trace.WithAttributes(attribute.String("payment_id", id.String())))
	defer span.End()

	p, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if p.IsRefundRecord() {
		return nil, apperrors.InvalidState("payment %s is a refund record", p.ID)
	}
	if p.Status != models.PaymentStatusPending {
		s.logger.Debug("Process short-circuited",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", string(p.Status)))
		return p, nil
	}

	current, won, err := s.claimPending(ctx, p)
	if err != nil || !won {
		return current, err
	}

	gw := s.gatewayFor(p)
	if !p.Method.UsesGateway() || gw == nil {
		s.markCompleted(p, externalTransactionID, "")
		return s.finish(ctx, p, notification.TypePaymentConfirmed)
	}

	if externalTransactionID != "" {
		// the client already confirmed with the gateway
		s.markCompleted(p, externalTransactionID, gw.ProviderName())
		return s.finish(ctx, p, notification.TypePaymentConfirmed)
	}

	tenant, err := s.dir.GetTenant(ctx, p.TenantID)
	if err != nil {
		return s.failAndReturn(ctx, span, p, err, err)
	}
	resp, err := gw.ProcessPayment(ctx, p, tenant, p.ExternalTransactionID)
	if err != nil {
		s.metrics.RecordGatewayError()
		return s.failAndReturn(ctx, span, p, err, apperrors.Gateway(err, "gateway failed to process payment %s", p.ID))
	}

	p.PaymentGatewayProvider = gw.ProviderName()
	if resp.TransactionID != "" {
		p.ExternalTransactionID = resp.TransactionID
	}
	if resp.ProcessingFee.Valid {
		p.ProcessingFee = resp.ProcessingFee
	}
	switch {
	case !resp.Success:
		p.Status = models.PaymentStatusFailed
		p.FailureReason = resp.ErrorMessage
		return s.finish(ctx, p, notification.TypePaymentFailed)
	case resp.Status == models.PaymentStatusProcessing:
		// awaiting customer action; the webhook settles it
		return s.finish(ctx, p, "")
	default:
		s.markCompleted(p, p.ExternalTransactionID, p.PaymentGatewayProvider)
		if resp.ProcessedAt != nil {
			at := resp.ProcessedAt.UTC()
			p.ProcessedAt = &at
		}
		return s.finish(ctx, p, notification.TypePaymentConfirmed)
	}
}

func (s *PaymentService) markCompleted(p *models.Payment, externalTransactionID, provider string) {
	now := s.now()
	p.Status = models.PaymentStatusCompleted
	p.ProcessedAt = &now
	p.FailureReason = ""
	if externalTransactionID != "" {
		p.ExternalTransactionID = externalTransactionID
	}
	if provider != "" {
		p.PaymentGatewayProvider = provider
	}
}

// finish persists the outcome of a Processing payment and notifies on change.
func (s *PaymentService) finish(ctx context.Context, p *models.Payment, notify notification.Type) (*models.Payment, error) {
	ok, err := s.store.UpdateWhereStatus(ctx, p, models.PaymentStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn("Payment moved while processing; keeping the stored outcome",
			zap.String("payment_id", p.ID.String()))
		return s.store.Get(ctx, p.ID)
	}
	if p.Status != models.PaymentStatusProcessing {
		s.metrics.RecordTransition(string(models.PaymentStatusProcessing), string(p.Status))
	}

	s.logger.Info("Payment processed",
		zap.String("payment_id", p.ID.String()),
		zap.String("tenant_id", p.TenantID),
		zap.String("status", string(p.Status)),
		zap.String("provider", p.PaymentGatewayProvider))
	if notify != "" {
		s.notifier.Notify(ctx, notification.For(notify, p))
	}
	return p, nil
}

// failAndReturn records the failure on the payment and only then hands back
// the caller-facing error.
func (s *PaymentService) failAndReturn(ctx context.Context, span trace.Span, p *models.Payment, cause, returned error) (*models.Payment, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	p.Status = models.PaymentStatusFailed
	p.FailureReason = cause.Error()
	if _, err := s.finish(ctx, p, notification.TypePaymentFailed); err != nil {
		s.logger.Error("Failed to persist payment failure",
			zap.String("payment_id", p.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return p, fmt.Errorf("%w (and recording the failure: %v)", returned, err)
	}
	return p, returned
}

// Confirm settles a payment by hand, bypassing the gateway.
func (s *PaymentService) Confirm(ctx context.Context, caller access.CallerContext, id uuid.UUID, confirmationCode string) (*models.Payment, error) {
	p, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.PaymentStatusCompleted:
		return p, nil
	case models.PaymentStatusPending, models.PaymentStatusProcessing:
	default:
		return nil, apperrors.InvalidState("payment %s is %s and cannot be confirmed", p.ID, p.Status)
	}

	from := p.Status
	p.ConfirmationCode = confirmationCode
	s.markCompleted(p, "", "")
	ok, err := s.store.UpdateWhereStatus(ctx, p, models.PaymentStatusPending, models.PaymentStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.store.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.PaymentStatusCompleted {
			return current, nil
		}
		return nil, apperrors.InvalidState("payment %s is %s and cannot be confirmed", current.ID, current.Status)
	}

	s.metrics.RecordTransition(string(from), string(p.Status))
	s.logger.Info("Payment confirmed",
		zap.String("payment_id", p.ID.String()),
		zap.String("confirmation_code", confirmationCode))
	s.notifier.Notify(ctx, notification.For(notification.TypePaymentConfirmed, p))
	return p, nil
}

// Cancel stops a payment that has not settled yet. Completed payments must
// be refunded instead.
func (s *PaymentService) Cancel(ctx context.Context, caller access.CallerContext, id uuid.UUID, reason string) (*models.Payment, error) {
	p, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(models.PaymentStatusCancelled) {
		return nil, apperrors.InvalidState("payment %s is %s and cannot be cancelled", p.ID, p.Status)
	}

	from := p.Status
	p.Status = models.PaymentStatusCancelled
	p.FailureReason = reason
	ok, err := s.store.UpdateWhereStatus(ctx, p, models.PaymentStatusPending, models.PaymentStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.store.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.InvalidState("payment %s is %s and cannot be cancelled", current.ID, current.Status)
	}

	s.metrics.RecordTransition(string(from), string(p.Status))
	s.logger.Info("Payment cancelled",
		zap.String("payment_id", p.ID.String()),
		zap.String("reason", reason))
	return p, nil
}

// Refund returns money on a Completed payment. The gateway is called first;
// the refund record is written only once the gateway has accepted.
// A nil amount refunds the full payment.
func (s *PaymentService) Refund(ctx context.Context, caller access.CallerContext, id uuid.UUID, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "payment.refund", trace.WithAttributes(attribute.String("payment_id", id.String())))
	defer span.End()

	original, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if original.IsRefundRecord() {
		return nil, apperrors.InvalidState("payment %s is itself a refund", original.ID)
	}
	if original.Status != models.PaymentStatusCompleted {
		return nil, apperrors.InvalidState("payment %s is %s; only completed payments can be refunded", original.ID, original.Status)
	}
	if original.IsRefunded {
		return nil, apperrors.InvalidState("payment %s has already been refunded", original.ID)
	}

	refundable := original.Amount.Abs()
	refundAmount := refundable
	if amount != nil {
		refundAmount = amount.Round(2)
	}
	if !refundAmount.IsPositive() {
		return nil, apperrors.InvalidAmount("refund amount must be greater than zero, got %s", refundAmount)
	}
	if refundAmount.GreaterThan(refundable) {
		return nil, apperrors.InvalidAmount("refund amount %s exceeds payment amount %s", refundAmount, refundable)
	}

	var gatewayTxID, provider string
	if original.ExternalTransactionID != "" {
		if gw := s.gatewayFor(original); gw != nil {
			resp, err := gw.RefundPayment(ctx, original, refundAmount, reason)
			if err != nil {
				s.metrics.RecordGatewayError()
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, apperrors.Gateway(err, "gateway failed to refund payment %s", original.ID)
			}
			if !resp.Success {
				span.SetStatus(codes.Error, resp.ErrorMessage)
				return nil, apperrors.Gateway(nil, "gateway declined refund of payment %s: %s", original.ID, resp.ErrorMessage)
			}
			gatewayTxID, provider = resp.TransactionID, gw.ProviderName()
		}
	}

	now := s.now()
	originalID := original.ID
	refund := &models.Payment{
		TenantID:               original.TenantID,
		Amount:                 refundAmount.Neg(),
		Date:                   now,
		Method:                 original.Method,
		Status:                 models.PaymentStatusRefunded,
		IdempotencyKey:         "refund-" + original.ID.String(),
		ExternalTransactionID:  gatewayTxID,
		PaymentGatewayProvider: provider,
		ProcessedAt:            &now,
		RefundedPaymentID:      &originalID,
		RefundReason:           reason,
		RefundedAt:             &now,
	}

	err = s.store.WithTx(ctx, func(tx store.PaymentStore) error {
		flagged, err := tx.MarkRefunded(ctx, original.ID, now)
		if err != nil {
			return err
		}
		if !flagged {
			return apperrors.InvalidState("payment %s was refunded concurrently", original.ID)
		}
		return tx.Create(ctx, refund)
	})
	if err != nil {
		if gatewayTxID != "" {
			s.logger.Error("Gateway refund succeeded but the local refund record was not written",
				zap.String("payment_id", original.ID.String()),
				zap.String("provider", provider),
				zap.String("external_transaction_id", gatewayTxID),
				zap.Error(err))
		}
		return nil, err
	}

	original.IsRefunded = true
	s.logger.Info("Payment refunded",
		zap.String("payment_id", original.ID.String()),
		zap.String("refund_id", refund.ID.String()),
		zap.String("amount", refundAmount.String()))
	s.notifier.Notify(ctx, notification.For(notification.TypePaymentRefunded, refund))
	return refund, nil
}

// Update edits descriptive fields. Status is never changed here.
func (s *PaymentService) Update(ctx context.Context, caller access.CallerContext, id uuid.UUID, req UpdateRequest) (*models.Payment, error) {
	p, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if req.Amount != nil {
		if !p.IsRefundRecord() && !req.Amount.IsPositive() {
			return nil, apperrors.InvalidAmount("amount must be greater than zero, got %s", req.Amount)
		}
		p.Amount = req.Amount.Round(2)
	}
	if req.Date != nil {
		p.Date = req.Date.UTC()
	}
	if req.Method != nil {
		if !req.Method.Valid() {
			return nil, apperrors.Validation("unknown payment method %q", *req.Method)
		}
		p.Method = *req.Method
	}
	if req.Notes != nil {
		p.Notes = *req.Notes
	}
	if err := s.store.UpdateDetails(ctx, p); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Delete removes a payment outright. Admin only.
func (s *PaymentService) Delete(ctx context.Context, caller access.CallerContext, id uuid.UUID) error {
	if err := access.RequireAdmin(caller); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("Payment deleted by administrator",
		zap.String("payment_id", id.String()),
		zap.String("user_id", caller.UserID))
	return nil
}

// claimPending moves a Pending payment to Processing. It returns false, with
// the stored record, when another caller got there first.
func (s *PaymentService) claimPending(ctx context.Context, p *models.Payment) (*models.Payment, bool, error) {
	won, err := s.store.CompareAndSwapStatus(ctx, p.ID, []models.PaymentStatus{models.PaymentStatusPending}, models.PaymentStatusProcessing)
	if err != nil {
		return nil, false, err
	}
	if !won {
		current, err := s.store.Get(ctx, p.ID)
		return current, false, err
	}
	p.Status = models.PaymentStatusProcessing
	s.metrics.RecordTransition(string(models.PaymentStatusPending), string(models.PaymentStatusProcessing))
	return p, true, nil
}

// failFromGateway records a failure the gateway reported asynchronously.
func (s *PaymentService) failFromGateway(ctx context.Context, p *models.Payment, message string) (*models.Payment, error) {
	if p.Status == models.PaymentStatusPending {
		current, won, err := s.claimPending(ctx, p)
		if err != nil || !won {
			return current, err
		}
	}
	if p.Status != models.PaymentStatusProcessing {
		return p, nil
	}
	p.Status = models.PaymentStatusFailed
	p.FailureReason = message
	return s.finish(ctx, p, notification.TypePaymentFailed)
}

// completeFromGateway settles a payment the gateway reported as paid.
func (s *PaymentService) completeFromGateway(ctx context.Context, p *models.Payment, provider, externalTransactionID string) (*models.Payment, error) {
	if p.Status == models.PaymentStatusPending {
		current, won, err := s.claimPending(ctx, p)
		if err != nil || !won {
			return current, err
		}
	}
	if p.Status != models.PaymentStatusProcessing {
		return p, nil
	}
	s.markCompleted(p, externalTransactionID, provider)
	return s.finish(ctx, p, notification.TypePaymentConfirmed)
}

func (s *PaymentService) notifyConfirmed(ctx context.Context, p *models.Payment) {
	s.notifier.Notify(ctx, notification.For(notification.TypePaymentConfirmed, p))
}
