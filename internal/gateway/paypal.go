package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

const ProviderPayPal = "paypal"

// headers PayPal signs webhooks with
var paypalSignatureHeaders = []string{
	"Paypal-Auth-Algo",
	"Paypal-Cert-Url",
	"Paypal-Transmission-Id",
	"Paypal-Transmission-Sig",
	"Paypal-Transmission-Time",
}

// PayPal charges through Orders v2 with the CAPTURE intent
type PayPal struct {
	client    *paypal.Client
	webhookID string
	currency  string
	logger    *zap.Logger

	tokenMu sync.Mutex
}

// NewPayPal builds the adapter. apiBase overrides the sandbox/live endpoint
// when non-empty.
func NewPayPal(cfg config.PayPalConfig, currency, apiBase string, logger *zap.Logger) (*PayPal, error) {
	if apiBase == "" {
		apiBase = paypal.APIBaseLive
		if cfg.Sandbox {
			apiBase = paypal.APIBaseSandBox
		}
	}
	c, err := paypal.NewClient(cfg.ClientID, cfg.ClientSecret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("failed to create PayPal client: %w", err)
	}
	return &PayPal{
		client:    c,
		webhookID: cfg.WebhookID,
		currency:  strings.ToUpper(currency),
		logger:    logger,
	}, nil
}

func (p *PayPal) ProviderName() string { return ProviderPayPal }

func (p *PayPal) ensureToken(ctx context.Context) error {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	if p.client.Token != nil {
		return nil
	}
	if _, err := p.client.GetAccessToken(ctx); err != nil {
		return fmt.Errorf("failed to obtain PayPal access token: %w", err)
	}
	return nil
}

func paypalOutcome(err error) (*Response, error) {
	var apiErr *paypal.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode < 500 {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Name
		}
		return declined(msg), nil
	}
	return nil, fmt.Errorf("paypal request failed: %w", err)
}

func (p *PayPal) money(amount decimal.Decimal) *paypal.Money {
	return &paypal.Money{Currency: p.currency, Value: amount.StringFixed(2)}
}

func (p *PayPal) CreatePaymentIntent(ctx context.Context, payment *models.Payment, tenant *models.Tenant) (*Response, error) {
	if err := p.ensureToken(ctx); err != nil {
		return nil, err
	}

	// An order already created for this payment is reused instead of opening a second one.
	if payment.ExternalTransactionID != "" {
		order, err := p.client.GetOrder(ctx, payment.ExternalTransactionID)
		if err == nil && order.Status != "VOIDED" {
			return &Response{Success: true, Status: models.PaymentStatusPending, TransactionID: order.ID, ClientSecret: order.ID}, nil
		}
	}

	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: payment.ID.String(),
		CustomID:    payment.ID.String(),
		Description: fmt.Sprintf("Rent payment for tenant %s", tenant.ID),
		Amount: &paypal.PurchaseUnitAmount{
			Currency: p.currency,
			Value:    payment.Amount.StringFixed(2),
		},
	}}
	order, err := p.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, nil)
	if err != nil {
		return paypalOutcome(err)
	}

	p.logger.Info("Created PayPal order",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_id", order.ID))

	// The JS SDK approves orders by id, so the order id doubles as the client secret.
	return &Response{Success: true, Status: models.PaymentStatusPending, TransactionID: order.ID, ClientSecret: order.ID}, nil
}

func (p *PayPal) ProcessPayment(ctx context.Context, payment *models.Payment, tenant *models.Tenant, externalTransactionID string) (*Response, error) {
	orderID := externalTransactionID
	if orderID == "" {
		orderID = payment.ExternalTransactionID
	}
	if orderID == "" {
		return declined("no PayPal order exists for this payment"), nil
	}
	if err := p.ensureToken(ctx); err != nil {
		return nil, err
	}

	capture, err := p.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return paypalOutcome(err)
	}

	resp := &Response{TransactionID: orderID}
	for _, unit := range capture.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			resp.TransactionID = c.ID
		}
	}

	switch capture.Status {
	case "COMPLETED":
		now := time.Now().UTC()
		resp.Success = true
		resp.Status = models.PaymentStatusCompleted
		resp.ProcessedAt = &now
	case "PENDING", "APPROVED", "SAVED", "PAYER_ACTION_REQUIRED":
		resp.Success = true
		resp.Status = models.PaymentStatusProcessing
	default:
		resp.Status = models.PaymentStatusFailed
		resp.ErrorMessage = fmt.Sprintf("PayPal capture is %s", capture.Status)
	}
	return resp, nil
}

func (p *PayPal) RefundPayment(ctx context.Context, original *models.Payment, amount decimal.Decimal, reason string) (*Response, error) {
	if original.ExternalTransactionID == "" {
		return declined("payment has no PayPal capture"), nil
	}
	if err := p.ensureToken(ctx); err != nil {
		return nil, err
	}

	refund, err := p.client.RefundCapture(ctx, original.ExternalTransactionID, paypal.RefundCaptureRequest{
		Amount:      p.money(amount),
		InvoiceID:   "refund-" + original.ID.String(),
		NoteToPayer: reason,
	})
	if err != nil {
		return paypalOutcome(err)
	}
	if refund.Status == "CANCELLED" || refund.Status == "FAILED" {
		return declined(fmt.Sprintf("PayPal refund %s is %s", refund.ID, refund.Status)), nil
	}

	now := time.Now().UTC()
	return &Response{Success: true, Status: models.PaymentStatusRefunded, TransactionID: refund.ID, ProcessedAt: &now}, nil
}

// SignatureFromHeaders packs PayPal's transmission headers into one
// url-encoded string.
func (p *PayPal) SignatureFromHeaders(h http.Header) string {
	values := url.Values{}
	for _, name := range paypalSignatureHeaders {
		if v := h.Get(name); v != "" {
			values.Set(name, v)
		}
	}
	return values.Encode()
}

func (p *PayPal) VerifyWebhookSignature(ctx context.Context, rawBody []byte, signatureHeader string) bool {
	if p.webhookID == "" || signatureHeader == "" {
		return false
	}
	values, err := url.ParseQuery(signatureHeader)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/paypal", bytes.NewReader(rawBody))
	if err != nil {
		return false
	}
	for _, name := range paypalSignatureHeaders {
		v := values.Get(name)
		if v == "" {
			return false
		}
		req.Header.Set(name, v)
	}
	if err := p.ensureToken(ctx); err != nil {
		p.logger.Warn("Cannot verify PayPal webhook", zap.Error(err))
		return false
	}

	result, err := p.client.VerifyWebhookSignature(ctx, req, p.webhookID)
	if err != nil {
		p.logger.Warn("PayPal webhook verification call failed", zap.Error(err))
		return false
	}
	return result.VerificationStatus == "SUCCESS"
}

type paypalWebhook struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		CustomID      string `json:"custom_id"`
		InvoiceID     string `json:"invoice_id"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	} `json:"resource"`
}

func (p *PayPal) ParseEvent(rawBody []byte) (*Event, error) {
	var hook paypalWebhook
	if err := json.Unmarshal(rawBody, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode paypal event: %w", err)
	}
	out := &Event{
		ID:            hook.ID,
		Provider:      ProviderPayPal,
		Type:          hook.EventType,
		Kind:          EventIgnored,
		TransactionID: hook.Resource.ID,
		PaymentID:     hook.Resource.CustomID,
		Raw:           rawBody,
	}
	switch hook.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Kind = EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Kind = EventPaymentFailed
		out.FailureMessage = "capture denied by PayPal"
		if hook.Resource.StatusDetails.Reason != "" {
			out.FailureMessage = fmt.Sprintf("capture denied by PayPal: %s", hook.Resource.StatusDetails.Reason)
		}
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Kind = EventRefunded
		// the resource here is the capture; refund resources link back with rel "up"
	case "PAYMENT.REFUND.COMPLETED":
		out.Kind = EventRefunded
		for _, l := range hook.Resource.Links {
			if l.Rel == "up" {
				out.TransactionID = l.Href[strings.LastIndex(l.Href, "/")+1:]
			}
		}
	}
	return out, nil
}
