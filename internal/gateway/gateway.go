// Package gateway adapts external card processors to the payment engine.
// The engine depends only on the Gateway interface; each adapter derives its
// own idempotency keys from the payment id so repeated calls never create a
// second external charge.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sambitmohanty1/rentpay/internal/models"
)

// Response is what a processor reports back for one call
type Response struct {
	Success       bool
	Status        models.PaymentStatus
	TransactionID string
	ClientSecret  string
	ProcessingFee decimal.NullDecimal
	ProcessedAt   *time.Time
	ErrorMessage  string
}

// Gateway is an external card processor.
//
// Business outcomes (a declined card, an unknown intent) come back as a
// Response with Success=false. A non-nil error means the processor could not
// be reached or answered unexpectedly.
type Gateway interface {
	ProviderName() string
	CreatePaymentIntent(ctx context.Context, p *models.Payment, tenant *models.Tenant) (*Response, error)
	ProcessPayment(ctx context.Context, p *models.Payment, tenant *models.Tenant, externalTransactionID string) (*Response, error)
	RefundPayment(ctx context.Context, original *models.Payment, amount decimal.Decimal, reason string) (*Response, error)

	// SignatureFromHeaders extracts whatever the provider signs webhooks with.
	SignatureFromHeaders(h http.Header) string
	// VerifyWebhookSignature returns false on any mismatch or malformed input.
	VerifyWebhookSignature(ctx context.Context, rawBody []byte, signatureHeader string) bool
	// ParseEvent decodes an already verified webhook body.
	ParseEvent(rawBody []byte) (*Event, error)
}

// EventKind is the provider-neutral meaning of a webhook
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentCanceled  EventKind = "payment_canceled"
	EventRefunded         EventKind = "refunded"
	EventIgnored          EventKind = "ignored"
)

// Event is a verified, decoded webhook delivery
type Event struct {
	ID            string
	Provider      string
	Type          string
	Kind          EventKind
	TransactionID string
	// PaymentID is the local payment id echoed back through provider metadata, if any.
	PaymentID      string
	FailureMessage string
	Raw            []byte
}

func declined(message string) *Response {
	return &Response{Success: false, Status: models.PaymentStatusFailed, ErrorMessage: message}
}

func centsToDecimal(cents int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.New(cents, -2))
}
