package gateway_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/gateway/gatewaytest"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

const webhookSecret = "whsec_test_secret"

func newStripe(t *testing.T, handler http.HandlerFunc) *gateway.Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}

	return gateway.NewStripe(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: webhookSecret,
		Tolerance:     5 * time.Minute,
	}, "eur", backends, zap.NewNop())
}

func cardPayment() (*models.Payment, *models.Tenant) {
	p := &models.Payment{
		ID:       uuid.New(),
		TenantID: "t1",
		Amount:   decimal.RequireFromString("1250.50"),
		Method:   models.MethodCardOnline,
		Status:   models.PaymentStatusPending,
	}
	return p, &models.Tenant{ID: "t1", Email: "t1@example.com"}
}

func TestStripeCreatePaymentIntent(t *testing.T) {
	p, tenant := cardPayment()

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "intent-"+p.ID.String(), r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "amount=125050")
		assert.Contains(t, string(body), "currency=eur")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret_abc","status":"requires_payment_method","amount":125050,"currency":"eur"}`)
	})

	resp, err := s.CreatePaymentIntent(context.Background(), p, tenant)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pi_123", resp.TransactionID)
	assert.Equal(t, "pi_123_secret_abc", resp.ClientSecret)
}

func TestStripeCreatePaymentIntentDeclined(t *testing.T) {
	p, tenant := cardPayment()

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	})

	resp, err := s.CreatePaymentIntent(context.Background(), p, tenant)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Your card was declined.", resp.ErrorMessage)
}

func TestStripeCreatePaymentIntentServerError(t *testing.T) {
	p, tenant := cardPayment()

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
	})

	_, err := s.CreatePaymentIntent(context.Background(), p, tenant)
	assert.Error(t, err)
}

func TestStripeProcessPaymentSucceeded(t *testing.T) {
	p, tenant := cardPayment()

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","status":"succeeded",
			"latest_charge":{"id":"ch_1","object":"charge","balance_transaction":{"id":"txn_1","object":"balance_transaction","fee":750}}}`)
	})

	resp, err := s.ProcessPayment(context.Background(), p, tenant, "pi_123")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, models.PaymentStatusCompleted, resp.Status)
	require.True(t, resp.ProcessingFee.Valid)
	assert.Equal(t, "7.5", resp.ProcessingFee.Decimal.String())
	assert.NotNil(t, resp.ProcessedAt)
}

func TestStripeProcessPaymentFailedIntent(t *testing.T) {
	p, tenant := cardPayment()
	p.ExternalTransactionID = "pi_456"

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"pi_456","object":"payment_intent","status":"requires_payment_method",
			"last_payment_error":{"type":"card_error","message":"Insufficient funds."}}`)
	})

	resp, err := s.ProcessPayment(context.Background(), p, tenant, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, models.PaymentStatusFailed, resp.Status)
	assert.Equal(t, "Insufficient funds.", resp.ErrorMessage)
}

func TestStripeProcessPaymentWithoutIntent(t *testing.T) {
	p, tenant := cardPayment()
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	resp, err := s.ProcessPayment(context.Background(), p, tenant, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestStripeRefundPayment(t *testing.T) {
	p, _ := cardPayment()
	p.ExternalTransactionID = "pi_123"

	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "refund-"+p.ID.String(), r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "payment_intent=pi_123")
		assert.Contains(t, string(body), "amount=50000")
		fmt.Fprint(w, `{"id":"re_1","object":"refund","status":"succeeded"}`)
	})

	resp, err := s.RefundPayment(context.Background(), p, decimal.NewFromInt(500), "moved out")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "re_1", resp.TransactionID)
}

func TestStripeVerifyWebhookSignature(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {})
	body := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded"}`)
	ctx := context.Background()

	assert.True(t, s.VerifyWebhookSignature(ctx, body, gatewaytest.StripeSignature(webhookSecret, body, time.Now())))
	assert.False(t, s.VerifyWebhookSignature(ctx, body, gatewaytest.StripeSignature("whsec_other", body, time.Now())), "wrong secret")
	assert.False(t, s.VerifyWebhookSignature(ctx, body, gatewaytest.StripeSignature(webhookSecret, body, time.Now().Add(-time.Hour))), "outside tolerance")
	assert.False(t, s.VerifyWebhookSignature(ctx, []byte(strings.Replace(string(body), "evt_1", "evt_2", 1)),
		gatewaytest.StripeSignature(webhookSecret, body, time.Now())), "tampered body")
	assert.False(t, s.VerifyWebhookSignature(ctx, body, "garbage"))
	assert.False(t, s.VerifyWebhookSignature(ctx, body, ""))
}

func TestStripeParseEvent(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name    string
		body    string
		kind    gateway.EventKind
		txID    string
		payment string
		message string
	}{
		{
			name:    "intent succeeded",
			body:    `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","metadata":{"payment_id":"p-1"}}}}`,
			kind:    gateway.EventPaymentSucceeded,
			txID:    "pi_1",
			payment: "p-1",
		},
		{
			name:    "intent failed",
			body:    `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","object":"payment_intent","last_payment_error":{"message":"Card expired."}}}}`,
			kind:    gateway.EventPaymentFailed,
			txID:    "pi_2",
			message: "Card expired.",
		},
		{
			name:    "intent canceled",
			body:    `{"id":"evt_3","object":"event","type":"payment_intent.canceled","data":{"object":{"id":"pi_3","object":"payment_intent"}}}`,
			kind:    gateway.EventPaymentCanceled,
			txID:    "pi_3",
			message: "canceled by gateway",
		},
		{
			name: "charge refunded",
			body: `{"id":"evt_4","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_4","object":"charge","payment_intent":"pi_4"}}}`,
			kind: gateway.EventRefunded,
			txID: "pi_4",
		},
		{
			name: "unrelated",
			body: `{"id":"evt_5","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
			kind: gateway.EventIgnored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := s.ParseEvent([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, evt.Kind)
			assert.Equal(t, tt.txID, evt.TransactionID)
			assert.Equal(t, tt.payment, evt.PaymentID)
			assert.Equal(t, tt.message, evt.FailureMessage)
			assert.Equal(t, gateway.ProviderStripe, evt.Provider)
		})
	}

	_, err := s.ParseEvent([]byte("not json"))
	assert.Error(t, err)
}
