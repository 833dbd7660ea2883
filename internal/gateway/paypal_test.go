package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

func newPayPal(t *testing.T, routes map[string]http.HandlerFunc) *gateway.PayPal {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"A21-token","token_type":"Bearer","expires_in":32400}`)
	})
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pp, err := gateway.NewPayPal(config.PayPalConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-1",
	}, "eur", srv.URL, zap.NewNop())
	require.NoError(t, err)
	return pp
}

func TestPayPalCreateOrder(t *testing.T) {
	p, tenant := cardPayment()

	pp := newPayPal(t, map[string]http.HandlerFunc{
		"/v2/checkout/orders": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer A21-token", r.Header.Get("Authorization"))
			var body struct {
				Intent        string `json:"intent"`
				PurchaseUnits []struct {
					CustomID string `json:"custom_id"`
					Amount   struct {
						Currency string `json:"currency_code"`
						Value    string `json:"value"`
					} `json:"amount"`
				} `json:"purchase_units"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "CAPTURE", body.Intent)
			require.Len(t, body.PurchaseUnits, 1)
			assert.Equal(t, p.ID.String(), body.PurchaseUnits[0].CustomID)
			assert.Equal(t, "EUR", body.PurchaseUnits[0].Amount.Currency)
			assert.Equal(t, "1250.50", body.PurchaseUnits[0].Amount.Value)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"ORDER-1","status":"CREATED"}`)
		},
	})

	resp, err := pp.CreatePaymentIntent(context.Background(), p, tenant)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "ORDER-1", resp.TransactionID)
	assert.Equal(t, "ORDER-1", resp.ClientSecret)
}

func TestPayPalCaptureOrder(t *testing.T) {
	p, tenant := cardPayment()

	pp := newPayPal(t, map[string]http.HandlerFunc{
		"/v2/checkout/orders/ORDER-1/capture": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED"}]}}]}`)
		},
	})

	resp, err := pp.ProcessPayment(context.Background(), p, tenant, "ORDER-1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, models.PaymentStatusCompleted, resp.Status)
	assert.Equal(t, "CAP-9", resp.TransactionID, "capture id is what refunds need")
}

func TestPayPalCaptureDeclined(t *testing.T) {
	p, tenant := cardPayment()

	pp := newPayPal(t, map[string]http.HandlerFunc{
		"/v2/checkout/orders/ORDER-1/capture": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"name":"UNPROCESSABLE_ENTITY","message":"The instrument presented was declined."}`)
		},
	})

	resp, err := pp.ProcessPayment(context.Background(), p, tenant, "ORDER-1")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "The instrument presented was declined.", resp.ErrorMessage)
}

func TestPayPalRefundCapture(t *testing.T) {
	p, _ := cardPayment()
	p.ExternalTransactionID = "CAP-9"

	pp := newPayPal(t, map[string]http.HandlerFunc{
		"/v2/payments/captures/CAP-9/refund": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Amount struct {
					Value string `json:"value"`
				} `json:"amount"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "100.00", body.Amount.Value)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"REF-1","status":"COMPLETED"}`)
		},
	})

	resp, err := pp.RefundPayment(context.Background(), p, decimal.NewFromInt(100), "deposit correction")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "REF-1", resp.TransactionID)
}

func TestPayPalVerifyWebhookSignature(t *testing.T) {
	status := "SUCCESS"
	pp := newPayPal(t, map[string]http.HandlerFunc{
		"/v1/notifications/verify-webhook-signature": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "WH-1", body["webhook_id"])
			assert.Equal(t, "sig-value", body["transmission_sig"])
			fmt.Fprintf(w, `{"verification_status":%q}`, status)
		},
	})

	h := http.Header{}
	h.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	h.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert.pem")
	h.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	h.Set("PAYPAL-TRANSMISSION-SIG", "sig-value")
	h.Set("PAYPAL-TRANSMISSION-TIME", "2025-01-03T10:00:00Z")
	sig := pp.SignatureFromHeaders(h)
	body := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-9"}}`)

	assert.True(t, pp.VerifyWebhookSignature(context.Background(), body, sig))

	status = "FAILURE"
	assert.False(t, pp.VerifyWebhookSignature(context.Background(), body, sig))

	assert.False(t, pp.VerifyWebhookSignature(context.Background(), body, ""), "missing headers")
	assert.False(t, pp.VerifyWebhookSignature(context.Background(), body, "%zz"), "malformed header")
}

func TestPayPalParseEvent(t *testing.T) {
	pp := newPayPal(t, nil)

	evt, err := pp.ParseEvent([]byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-9","custom_id":"p-1","status":"COMPLETED"}}`))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventPaymentSucceeded, evt.Kind)
	assert.Equal(t, "CAP-9", evt.TransactionID)
	assert.Equal(t, "p-1", evt.PaymentID)

	evt, err = pp.ParseEvent([]byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"id":"CAP-10","status_details":{"reason":"RISK"}}}`))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventPaymentFailed, evt.Kind)
	assert.Equal(t, "capture denied by PayPal: RISK", evt.FailureMessage)

	evt, err = pp.ParseEvent([]byte(`{"id":"WH-3","event_type":"PAYMENT.REFUND.COMPLETED","resource":{"id":"REF-1","links":[{"rel":"up","href":"https://api.paypal.com/v2/payments/captures/CAP-9"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventRefunded, evt.Kind)
	assert.Equal(t, "CAP-9", evt.TransactionID)

	evt, err = pp.ParseEvent([]byte(`{"id":"WH-4","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventIgnored, evt.Kind)
}
