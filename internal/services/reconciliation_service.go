package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/idempotency"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/monitoring"
	"github.com/sambitmohanty1/rentpay/internal/reference"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// Gateway event outcomes stored on models.GatewayEvent
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeUnmatched = "unmatched"
	OutcomeFailed    = "failed"
)

// ReconciliationService matches external settlement signals to local payments
type ReconciliationService struct {
	payments *PaymentService
	store    store.PaymentStore
	events   store.EventStore
	gateways *gateway.Registry
	claimer  idempotency.Claimer
	claimTTL time.Duration
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// DefaultClaimTTL bounds how long a delivery that died mid-processing blocks
// redeliveries of the same event.
const DefaultClaimTTL = 5 * time.Minute

// NewReconciliationService creates a reconciler. claimer may be nil, in which
// case replays are caught by the event log alone. The claim only covers a
// delivery in flight; finished events are recognised from the event log.
func NewReconciliationService(
	payments *PaymentService,
	events store.EventStore,
	claimer idempotency.Claimer,
	claimTTL time.Duration,
	logger *zap.Logger,
) *ReconciliationService {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &ReconciliationService{
		payments: payments,
		store:    payments.store,
		events:   events,
		gateways: payments.gateways,
		claimer:  claimer,
		claimTTL: claimTTL,
		metrics:  payments.metrics,
		logger:   logger,
	}
}

// ReconcileByReference completes the Pending payment carrying reference.
// It returns nil when nothing matches. A differing amount is logged for
// review but does not block the match.
func (s *ReconciliationService) ReconcileByReference(ctx context.Context, ref string, amount decimal.Decimal, date time.Time) (*models.Payment, error) {
	p, _, err := s.reconcile(ctx, ref, amount, date)
	return p, err
}

func (s *ReconciliationService) reconcile(ctx context.Context, ref string, amount decimal.Decimal, date time.Time) (*models.Payment, bool, error) {
	ref = reference.Normalize(ref)
	p, err := s.store.FindByReference(ctx, ref, models.PaymentStatusPending)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			s.metrics.RecordUnmatched()
			s.logger.Warn("Unmatched settlement",
				zap.String("reference", ref),
				zap.String("amount", amount.String()),
				zap.Time("date", date))
			return nil, false, nil
		}
		return nil, false, err
	}

	mismatch := !amount.Equal(p.Amount)
	if mismatch {
		s.metrics.RecordAmountMismatch()
		s.logger.Warn("Settlement amount differs from expected amount",
			zap.String("payment_id", p.ID.String()),
			zap.String("reference", ref),
			zap.String("expected", p.Amount.String()),
			zap.String("received", amount.String()))
		note := fmt.Sprintf("bank settlement received %s, expected %s", amount.StringFixed(2), p.Amount.StringFixed(2))
		if p.Notes != "" {
			note = p.Notes + "\n" + note
		}
		p.Notes = note
	}

	processedAt := date.UTC()
	if date.IsZero() {
		processedAt = time.Now().UTC()
	}
	p.Status = models.PaymentStatusCompleted
	p.ProcessedAt = &processedAt
	ok, err := s.store.UpdateWhereStatus(ctx, p, models.PaymentStatusPending)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		current, err := s.store.Get(ctx, p.ID)
		return current, false, err
	}

	s.metrics.RecordTransition(string(models.PaymentStatusPending), string(models.PaymentStatusCompleted))
	s.logger.Info("Payment reconciled by reference",
		zap.String("payment_id", p.ID.String()),
		zap.String("reference", ref))
	s.payments.notifyConfirmed(ctx, p)
	return p, mismatch, nil
}

// StatementLine is one row of a bank statement export
type StatementLine struct {
	Reference string `csv:"reference"`
	Amount    string `csv:"amount"`
	Date      string `csv:"date"`
}

// StatementResult summarises a statement import
type StatementResult struct {
	Lines      int         `json:"lines"`
	Matched    int         `json:"matched"`
	Unmatched  int         `json:"unmatched"`
	Mismatched int         `json:"mismatched"`
	Invalid    int         `json:"invalid"`
	PaymentIDs []uuid.UUID `json:"payment_ids"`
	Errors     []string    `json:"errors,omitempty"`
}

// ImportStatement reconciles every line of a CSV statement with the columns
// reference, amount and date (YYYY-MM-DD).
func (s *ReconciliationService) ImportStatement(ctx context.Context, r io.Reader) (*StatementResult, error) {
	var lines []*StatementLine
	if err := gocsv.Unmarshal(r, &lines); err != nil {
		return nil, apperrors.Validation("failed to parse statement: %v", err)
	}

	result := &StatementResult{Lines: len(lines), PaymentIDs: []uuid.UUID{}}
	for i, line := range lines {
		row := i + 2 // header is row 1
		amount, err := decimal.NewFromString(strings.TrimSpace(line.Amount))
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: invalid amount %q", row, line.Amount))
			continue
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(line.Date))
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: invalid date %q", row, line.Date))
			continue
		}

		p, mismatch, err := s.reconcile(ctx, line.Reference, amount, date)
		if err != nil {
			return result, fmt.Errorf("row %d: %w", row, err)
		}
		switch {
		case p == nil:
			result.Unmatched++
		default:
			result.Matched++
			result.PaymentIDs = append(result.PaymentIDs, p.ID)
			if mismatch {
				result.Mismatched++
			}
		}
	}

	s.logger.Info("Bank statement imported",
		zap.Int("lines", result.Lines),
		zap.Int("matched", result.Matched),
		zap.Int("unmatched", result.Unmatched),
		zap.Int("invalid", result.Invalid))
	return result, nil
}

// WebhookResult reports what happened to a delivery
type WebhookResult struct {
	EventID   string     `json:"event_id"`
	Outcome   string     `json:"outcome"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
	Replay    bool       `json:"replay"`
}

// HandleGatewayEvent verifies and applies a webhook delivery. A bad
// signature is a validation error and changes nothing. After verification
// every delivery is acknowledged; processing problems are stored on the
// event row instead of being returned.
func (s *ReconciliationService) HandleGatewayEvent(ctx context.Context, provider string, rawBody []byte, headers http.Header) (*WebhookResult, error) {
	start := time.Now()
	gw, ok := s.gateways.Get(provider)
	if !ok {
		return nil, apperrors.NotFound("unknown payment provider %q", provider)
	}

	if !gw.VerifyWebhookSignature(ctx, rawBody, gw.SignatureFromHeaders(headers)) {
		s.metrics.RecordWebhook(provider, monitoring.OutcomeRejected, time.Since(start))
		s.logger.Warn("Webhook signature verification failed", zap.String("provider", provider))
		return nil, apperrors.Validation("invalid webhook signature")
	}

	evt, err := gw.ParseEvent(rawBody)
	if err != nil {
		s.metrics.RecordWebhook(provider, monitoring.OutcomeRejected, time.Since(start))
		return nil, apperrors.Validation("malformed webhook payload: %v", err)
	}
	log := s.logger.With(
		zap.String("provider", provider),
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type))

	claimKey := provider + ":" + evt.ID
	if s.claimer != nil {
		claimed, err := s.claimer.Claim(ctx, claimKey, s.claimTTL)
		if err != nil {
			log.Warn("Event claim unavailable, relying on the event log", zap.Error(err))
		} else if !claimed {
			log.Info("Duplicate webhook event, already claimed")
			s.metrics.RecordWebhook(provider, monitoring.OutcomeReplayed, time.Since(start))
			return &WebhookResult{EventID: evt.ID, Outcome: OutcomeIgnored, Replay: true}, nil
		}
	}

	stored, created, err := s.events.RecordEvent(ctx, &models.GatewayEvent{
		Provider:        provider,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		Payload:         datatypes.JSON(rawBody),
	})
	if err != nil {
		s.release(ctx, claimKey)
		s.metrics.RecordWebhook(provider, monitoring.OutcomeFailed, time.Since(start))
		return nil, err
	}
	// an unfinished row is left by a delivery that died before recording its
	// outcome; it is processed again
	if !created && stored.ProcessedAt != nil {
		log.Info("Webhook event replayed", zap.String("outcome", stored.Outcome))
		s.metrics.RecordWebhook(provider, monitoring.OutcomeReplayed, time.Since(start))
		return &WebhookResult{EventID: evt.ID, Outcome: stored.Outcome, PaymentID: stored.PaymentID, Replay: true}, nil
	}

	outcome, paymentID, procErr := s.apply(ctx, provider, evt)
	if procErr != nil {
		log.Error("Webhook processing failed", zap.String("outcome", outcome), zap.Error(procErr))
	} else {
		log.Info("Webhook processed", zap.String("outcome", outcome))
	}
	if err := s.events.FinishEvent(ctx, stored.ID, outcome, paymentID, procErr); err != nil {
		log.Error("Failed to record webhook outcome", zap.Error(err))
		// the row stays unfinished, so a redelivery must be let through
		s.release(ctx, claimKey)
	}

	metricOutcome := monitoring.OutcomeProcessed
	if outcome == OutcomeFailed {
		metricOutcome = monitoring.OutcomeFailed
	}
	s.metrics.RecordWebhook(provider, metricOutcome, time.Since(start))
	return &WebhookResult{EventID: evt.ID, Outcome: outcome, PaymentID: paymentID}, nil
}

func (s *ReconciliationService) release(ctx context.Context, key string) {
	if s.claimer == nil {
		return
	}
	if err := s.claimer.Release(ctx, key); err != nil {
		s.logger.Warn("Failed to release event claim", zap.String("key", key), zap.Error(err))
	}
}

// apply dispatches a verified event to the lifecycle.
func (s *ReconciliationService) apply(ctx context.Context, provider string, evt *gateway.Event) (string, *uuid.UUID, error) {
	if evt.Kind == gateway.EventIgnored {
		return OutcomeIgnored, nil, nil
	}

	p, err := s.locate(ctx, evt)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			s.metrics.RecordUnmatched()
			return OutcomeUnmatched, nil, apperrors.UnmatchedSettlement("no payment for %s event %s (transaction %q)", provider, evt.ID, evt.TransactionID)
		}
		return OutcomeFailed, nil, err
	}
	id := p.ID

	switch evt.Kind {
	case gateway.EventPaymentSucceeded:
		if p.Status.IsSettled() {
			return OutcomeIgnored, &id, nil
		}
		if _, err := s.payments.completeFromGateway(ctx, p, provider, evt.TransactionID); err != nil {
			return OutcomeFailed, &id, err
		}
	case gateway.EventPaymentFailed:
		if p.Status.IsSettled() {
			return OutcomeIgnored, &id, nil
		}
		message := evt.FailureMessage
		if message == "" {
			message = "payment failed at " + provider
		}
		if _, err := s.payments.failFromGateway(ctx, p, message); err != nil {
			return OutcomeFailed, &id, err
		}
	case gateway.EventPaymentCanceled:
		if p.Status.IsSettled() {
			return OutcomeIgnored, &id, nil
		}
		if _, err := s.payments.Cancel(ctx, access.System, p.ID, "canceled at "+provider); err != nil {
			if apperrors.IsKind(err, apperrors.KindInvalidState) {
				return OutcomeIgnored, &id, nil
			}
			return OutcomeFailed, &id, err
		}
	case gateway.EventRefunded:
		// The synchronous refund call owns the refund record and the flag.
		// The event may arrive before that call commits, so it never writes.
		if p.IsRefunded || p.Status != models.PaymentStatusCompleted {
			return OutcomeIgnored, &id, nil
		}
		s.logger.Warn("Refund reported by gateway without a local refund record; flagged for review",
			zap.String("payment_id", p.ID.String()),
			zap.String("provider", provider))
		return OutcomeIgnored, &id, apperrors.UnmatchedSettlement("%s reported a refund of payment %s with no local refund record", provider, p.ID)
	default:
		return OutcomeIgnored, &id, nil
	}
	return OutcomeApplied, &id, nil
}

// locate finds the payment an event refers to, preferring our own id from
// the gateway metadata over the gateway's transaction id.
func (s *ReconciliationService) locate(ctx context.Context, evt *gateway.Event) (*models.Payment, error) {
	if evt.PaymentID != "" {
		if id, err := uuid.Parse(evt.PaymentID); err == nil {
			p, err := s.store.Get(ctx, id)
			if err == nil {
				return p, nil
			}
			if !apperrors.IsKind(err, apperrors.KindNotFound) {
				return nil, err
			}
		}
	}
	if evt.TransactionID == "" {
		return nil, apperrors.NotFound("event %s carries no transaction id", evt.ID)
	}
	return s.store.FindByExternalID(ctx, evt.TransactionID)
}

// FailedEvents lists webhook deliveries whose processing raised an error.
func (s *ReconciliationService) FailedEvents(ctx context.Context, limit int) ([]models.GatewayEvent, error) {
	return s.events.ListFailedEvents(ctx, limit)
}
