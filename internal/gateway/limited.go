package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sambitmohanty1/rentpay/internal/models"
)

// Limited throttles outbound calls to a gateway and wraps each one in a span.
// Webhook verification and parsing pass straight through.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewLimited wraps next with a token bucket of perSecond requests and burst.
func NewLimited(next Gateway, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		tracer:  otel.Tracer("payment-gateway"),
	}
}

func (l *Limited) ProviderName() string { return l.next.ProviderName() }

func (l *Limited) call(ctx context.Context, op string, p *models.Payment, fn func(context.Context) (*Response, error)) (*Response, error) {
	ctx, span := l.tracer.Start(ctx, "gateway."+op)
	defer span.End()

	span.SetAttributes(
		attribute.String("provider", l.next.ProviderName()),
		attribute.String("payment_id", p.ID.String()),
	)

	if err := l.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("gateway rate limit wait: %w", err)
	}

	resp, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("success", resp.Success))
	if !resp.Success {
		span.SetAttributes(attribute.String("error_message", resp.ErrorMessage))
	}
	return resp, nil
}

func (l *Limited) CreatePaymentIntent(ctx context.Context, p *models.Payment, tenant *models.Tenant) (*Response, error) {
	return l.call(ctx, "create_intent", p, func(ctx context.Context) (*Response, error) {
		return l.next.CreatePaymentIntent(ctx, p, tenant)
	})
}

func (l *Limited) ProcessPayment(ctx context.Context, p *models.Payment, tenant *models.Tenant, externalTransactionID string) (*Response, error) {
	return l.call(ctx, "process", p, func(ctx context.Context) (*Response, error) {
		return l.next.ProcessPayment(ctx, p, tenant, externalTransactionID)
	})
}

func (l *Limited) RefundPayment(ctx context.Context, original *models.Payment, amount decimal.Decimal, reason string) (*Response, error) {
	return l.call(ctx, "refund", original, func(ctx context.Context) (*Response, error) {
		return l.next.RefundPayment(ctx, original, amount, reason)
	})
}

func (l *Limited) SignatureFromHeaders(h http.Header) string {
	return l.next.SignatureFromHeaders(h)
}

func (l *Limited) VerifyWebhookSignature(ctx context.Context, rawBody []byte, signatureHeader string) bool {
	return l.next.VerifyWebhookSignature(ctx, rawBody, signatureHeader)
}

func (l *Limited) ParseEvent(rawBody []byte) (*Event, error) {
	return l.next.ParseEvent(rawBody)
}
