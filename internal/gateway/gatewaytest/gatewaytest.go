// Package gatewaytest provides a testify mock of gateway.Gateway and helpers
// for signing webhook payloads in tests.
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

// MockGateway is a testify mock implementing gateway.Gateway
type MockGateway struct {
	mock.Mock
	Name string
}

var _ gateway.Gateway = (*MockGateway)(nil)

func (m *MockGateway) ProviderName() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

func response(args mock.Arguments) (*gateway.Response, error) {
	resp, _ := args.Get(0).(*gateway.Response)
	return resp, args.Error(1)
}

func (m *MockGateway) CreatePaymentIntent(ctx context.Context, p *models.Payment, tenant *models.Tenant) (*gateway.Response, error) {
	return response(m.Called(ctx, p, tenant))
}

func (m *MockGateway) ProcessPayment(ctx context.Context, p *models.Payment, tenant *models.Tenant, externalTransactionID string) (*gateway.Response, error) {
	return response(m.Called(ctx, p, tenant, externalTransactionID))
}

func (m *MockGateway) RefundPayment(ctx context.Context, original *models.Payment, amount decimal.Decimal, reason string) (*gateway.Response, error) {
	return response(m.Called(ctx, original, amount, reason))
}

func (m *MockGateway) SignatureFromHeaders(h http.Header) string {
	return h.Get("X-Mock-Signature")
}

func (m *MockGateway) VerifyWebhookSignature(ctx context.Context, rawBody []byte, signatureHeader string) bool {
	return m.Called(rawBody, signatureHeader).Bool(0)
}

func (m *MockGateway) ParseEvent(rawBody []byte) (*gateway.Event, error) {
	args := m.Called(rawBody)
	evt, _ := args.Get(0).(*gateway.Event)
	return evt, args.Error(1)
}

// StripeSignature builds a Stripe-Signature header for body signed at ts.
func StripeSignature(secret string, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
