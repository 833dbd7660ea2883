package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

const ProviderStripe = "stripe"

// Stripe charges cards through PaymentIntents
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	currency      string
	logger        *zap.Logger
}

// NewStripe builds the adapter. backends may be nil; tests pass one pointing
// at a local server.
func NewStripe(cfg config.StripeConfig, currency string, backends *stripe.Backends, logger *zap.Logger) *Stripe {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Stripe{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		currency:      strings.ToLower(currency),
		logger:        logger,
	}
}

func (s *Stripe) ProviderName() string { return ProviderStripe }

// stripeOutcome separates card/request errors (reported as a declined
// response) from transport and server errors.
func stripeOutcome(err error) (*Response, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < 500 {
		msg := stripeErr.Msg
		if msg == "" {
			msg = string(stripeErr.Code)
		}
		return declined(msg), nil
	}
	return nil, fmt.Errorf("stripe request failed: %w", err)
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, p *models.Payment, tenant *models.Tenant) (*Response, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(p.AmountCents()),
		Currency:    stripe.String(s.currency),
		Description: stripe.String(fmt.Sprintf("Rent payment %s", p.ID)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if tenant.Email != "" {
		params.ReceiptEmail = stripe.String(tenant.Email)
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID.String())
	params.AddMetadata("tenant_id", tenant.ID)
	params.SetIdempotencyKey("intent-" + p.ID.String())

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return stripeOutcome(err)
	}

	s.logger.Info("Created Stripe payment intent",
		zap.String("payment_id", p.ID.String()),
		zap.String("intent_id", pi.ID))

	return &Response{
		Success:       true,
		Status:        models.PaymentStatusPending,
		TransactionID: pi.ID,
		ClientSecret:  pi.ClientSecret,
	}, nil
}

func (s *Stripe) ProcessPayment(ctx context.Context, p *models.Payment, tenant *models.Tenant, externalTransactionID string) (*Response, error) {
	intentID := externalTransactionID
	if intentID == "" {
		intentID = p.ExternalTransactionID
	}
	if intentID == "" {
		return declined("no payment intent exists for this payment"), nil
	}

	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	getParams.AddExpand("latest_charge.balance_transaction")
	pi, err := s.api.PaymentIntents.Get(intentID, getParams)
	if err != nil {
		return stripeOutcome(err)
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		confirmParams := &stripe.PaymentIntentConfirmParams{}
		confirmParams.Context = ctx
		confirmParams.AddExpand("latest_charge.balance_transaction")
		confirmParams.SetIdempotencyKey("confirm-" + p.ID.String())
		pi, err = s.api.PaymentIntents.Confirm(intentID, confirmParams)
		if err != nil {
			return stripeOutcome(err)
		}
	}

	return intentResponse(pi), nil
}

func intentResponse(pi *stripe.PaymentIntent) *Response {
	resp := &Response{TransactionID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		now := time.Now().UTC()
		resp.Success = true
		resp.Status = models.PaymentStatusCompleted
		resp.ProcessedAt = &now
		if pi.LatestCharge != nil && pi.LatestCharge.BalanceTransaction != nil {
			resp.ProcessingFee = centsToDecimal(pi.LatestCharge.BalanceTransaction.Fee)
		}
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresCapture:
		resp.Success = true
		resp.Status = models.PaymentStatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		resp.Status = models.PaymentStatusCancelled
		resp.ErrorMessage = "payment intent was canceled"
		if pi.CancellationReason != "" {
			resp.ErrorMessage = fmt.Sprintf("payment intent was canceled: %s", pi.CancellationReason)
		}
	default:
		resp.Status = models.PaymentStatusFailed
		resp.ErrorMessage = fmt.Sprintf("payment intent is %s", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			resp.ErrorMessage = pi.LastPaymentError.Msg
		}
	}
	return resp
}

func (s *Stripe) RefundPayment(ctx context.Context, original *models.Payment, amount decimal.Decimal, reason string) (*Response, error) {
	if original.ExternalTransactionID == "" {
		return declined("payment has no Stripe payment intent"), nil
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(original.ExternalTransactionID),
		Amount:        stripe.Int64(amount.Shift(2).Round(0).IntPart()),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("payment_id", original.ID.String())
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	params.SetIdempotencyKey("refund-" + original.ID.String())

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		return stripeOutcome(err)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return declined(fmt.Sprintf("refund %s is %s", refund.ID, refund.Status)), nil
	}

	now := time.Now().UTC()
	return &Response{
		Success:       true,
		Status:        models.PaymentStatusRefunded,
		TransactionID: refund.ID,
		ProcessedAt:   &now,
	}, nil
}

func (s *Stripe) SignatureFromHeaders(h http.Header) string {
	return h.Get("Stripe-Signature")
}

func (s *Stripe) VerifyWebhookSignature(_ context.Context, rawBody []byte, signatureHeader string) bool {
	if s.webhookSecret == "" || signatureHeader == "" {
		return false
	}
	if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, s.webhookSecret, s.tolerance); err != nil {
		s.logger.Warn("Rejected Stripe webhook signature", zap.Error(err))
		return false
	}
	return true
}

func (s *Stripe) ParseEvent(rawBody []byte) (*Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode stripe event: %w", err)
	}
	out := &Event{
		ID:       evt.ID,
		Provider: ProviderStripe,
		Type:     string(evt.Type),
		Kind:     EventIgnored,
		Raw:      rawBody,
	}
	if evt.Data == nil {
		return out, nil
	}

	switch string(evt.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent: %w", err)
		}
		out.TransactionID = pi.ID
		out.PaymentID = pi.Metadata["payment_id"]
		switch string(evt.Type) {
		case "payment_intent.succeeded":
			out.Kind = EventPaymentSucceeded
		case "payment_intent.payment_failed":
			out.Kind = EventPaymentFailed
			out.FailureMessage = "payment failed"
			if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
				out.FailureMessage = pi.LastPaymentError.Msg
			}
		default:
			out.Kind = EventPaymentCanceled
			out.FailureMessage = "canceled by gateway"
			if pi.CancellationReason != "" {
				out.FailureMessage = fmt.Sprintf("canceled by gateway: %s", pi.CancellationReason)
			}
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		out.Kind = EventRefunded
		out.PaymentID = charge.Metadata["payment_id"]
		if charge.PaymentIntent != nil {
			out.TransactionID = charge.PaymentIntent.ID
		}
	}
	return out, nil
}
