package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/reference"
	"github.com/sambitmohanty1/rentpay/internal/services"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// maxWebhookBody bounds a webhook payload
const maxWebhookBody = 1 << 20

// Handlers contains all the API handlers with their dependencies
type Handlers struct {
	payments  *services.PaymentService
	recurring *services.RecurringService
	reconcile *services.ReconciliationService
	reports   *services.ReportService
	accounts  *reference.Validator
	logger    *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	payments *services.PaymentService,
	recurring *services.RecurringService,
	reconcile *services.ReconciliationService,
	reports *services.ReportService,
	accounts *reference.Validator,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		payments:  payments,
		recurring: recurring,
		reconcile: reconcile,
		reports:   reports,
		accounts:  accounts,
		logger:    logger,
	}
}

// Register mounts the payment API under /api/v1. Webhooks are public; every
// other route goes through auth.
func (h *Handlers) Register(router *gin.Engine, auth gin.HandlerFunc) {
	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/webhooks/:provider", h.HandleWebhook)

		secured := apiV1.Group("", auth)

		paymentsGroup := secured.Group("/payments")
		{
			paymentsGroup.POST("", h.InitiatePayment)
			paymentsGroup.GET("", h.ListPayments)
			paymentsGroup.GET("/pending", h.ListPending)
			paymentsGroup.GET("/failed", h.ListFailed)
			paymentsGroup.GET("/:id", h.GetPayment)
			paymentsGroup.PATCH("/:id", h.UpdatePayment)
			paymentsGroup.DELETE("/:id", h.DeletePayment)
			paymentsGroup.POST("/:id/intent", h.CreateIntent)
			paymentsGroup.POST("/:id/process", h.ProcessPayment)
			paymentsGroup.POST("/:id/confirm", h.ConfirmPayment)
			paymentsGroup.POST("/:id/cancel", h.CancelPayment)
			paymentsGroup.POST("/:id/refund", h.RefundPayment)
		}

		secured.POST("/recurring/:month", h.GenerateRecurring)
		secured.POST("/reconcile", h.ReconcileByReference)
		secured.POST("/reconcile/statement", h.ImportStatement)
		secured.GET("/webhooks/failed", h.FailedEvents)
		secured.POST("/bank-accounts/validate", h.ValidateBankAccount)

		reportsGroup := secured.Group("/reports")
		{
			reportsGroup.GET("/totals", h.Totals)
			reportsGroup.GET("/methods", h.MethodDistribution)
			reportsGroup.GET("/export", h.ExportReport)
		}
	}
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	body := gin.H{"error": err.Error()}
	if kind := apperrors.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

func (h *Handlers) caller(c *gin.Context) (access.CallerContext, bool) {
	caller, err := CallerFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return access.CallerContext{}, false
	}
	return caller, true
}

func paymentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// InitiatePayment creates a new payment
func (h *Handlers) InitiatePayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var body struct {
		TenantID       string          `json:"tenant_id" binding:"required"`
		Amount         decimal.Decimal `json:"amount"`
		Method         string          `json:"method" binding:"required"`
		Date           string          `json:"date"`
		IdempotencyKey string          `json:"idempotency_key"`
		Notes          string          `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}

	p, err := h.payments.Initiate(c.Request.Context(), caller, services.InitiateRequest{
		TenantID:       body.TenantID,
		Amount:         body.Amount,
		Method:         models.PaymentMethod(body.Method),
		Date:           date,
		IdempotencyKey: key,
		Notes:          body.Notes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func listFilter(c *gin.Context) (store.Filter, error) {
	var f store.Filter
	if tenants := c.Query("tenant_id"); tenants != "" {
		f.TenantIDs = strings.Split(tenants, ",")
	}
	if statuses := c.Query("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			status := models.PaymentStatus(s)
			if !status.Valid() {
				return f, apperrors.Validation("unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if methods := c.Query("method"); methods != "" {
		for _, m := range strings.Split(methods, ",") {
			method := models.PaymentMethod(m)
			if !method.Valid() {
				return f, apperrors.Validation("unknown method %q", m)
			}
			f.Methods = append(f.Methods, method)
		}
	}
	from, err := parseDate(c.Query("from"))
	if err != nil {
		return f, apperrors.Validation("invalid from date")
	}
	if !from.IsZero() {
		f.From = &from
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		return f, apperrors.Validation("invalid to date")
	}
	if !to.IsZero() {
		f.To = &to
	}
	if raw := c.Query("recurring"); raw != "" {
		recurring, err := cast.ToBoolE(raw)
		if err != nil {
			return f, apperrors.Validation("invalid recurring flag")
		}
		f.Recurring = &recurring
	}

	f.Limit = cast.ToInt(c.DefaultQuery("limit", "50"))
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 50
	}
	f.Offset = cast.ToInt(c.Query("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// ListPayments returns the caller's payments
func (h *Handlers) ListPayments(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	f, err := listFilter(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payments, err := h.payments.List(c.Request.Context(), caller, f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments), "limit": f.Limit, "offset": f.Offset})
}

func (h *Handlers) ListPending(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	payments, err := h.payments.ListPending(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *Handlers) ListFailed(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	payments, err := h.payments.ListFailed(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// GetPayment returns a specific payment
func (h *Handlers) GetPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := h.payments.Get(c.Request.Context(), caller, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) UpdatePayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req services.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.payments.Update(c.Request.Context(), caller, id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) DeletePayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	if err := h.payments.Delete(c.Request.Context(), caller, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) CreateIntent(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	intent, err := h.payments.CreateIntent(c.Request.Context(), caller, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// ProcessPayment settles a payment. A gateway failure still returns the
// failed payment alongside the error.
func (h *Handlers) ProcessPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var body struct {
		ExternalTransactionID string `json:"external_transaction_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	p, err := h.payments.Process(c.Request.Context(), caller, id, body.ExternalTransactionID)
	if err != nil {
		if p != nil {
			c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error(), "kind": apperrors.KindOf(err), "payment": p})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) ConfirmPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var body struct {
		ConfirmationCode string `json:"confirmation_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.payments.Confirm(c.Request.Context(), caller, id, body.ConfirmationCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) CancelPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	p, err := h.payments.Cancel(c.Request.Context(), caller, id, body.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) RefundPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var body struct {
		Amount *decimal.Decimal `json:"amount"`
		Reason string           `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	refund, err := h.payments.Refund(c.Request.Context(), caller, id, body.Amount, body.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// GenerateRecurring creates the month's recurring payments. Admin only.
func (h *Handlers) GenerateRecurring(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if err := access.RequireAdmin(caller); err != nil {
		h.respondError(c, err)
		return
	}
	month, err := time.Parse("2006-01", c.Param("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
		return
	}
	result, err := h.recurring.GenerateForMonth(c.Request.Context(), month)
	if err != nil && result == nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	resp := gin.H{"result": result}
	if err != nil {
		status = http.StatusMultiStatus
		resp["error"] = err.Error()
	}
	c.JSON(status, resp)
}

// ReconcileByReference matches one bank settlement. Admin only.
func (h *Handlers) ReconcileByReference(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if err := access.RequireAdmin(caller); err != nil {
		h.respondError(c, err)
		return
	}
	var body struct {
		Reference string          `json:"reference" binding:"required"`
		Amount    decimal.Decimal `json:"amount"`
		Date      string          `json:"date"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}
	p, err := h.reconcile.ReconcileByReference(c.Request.Context(), body.Reference, body.Amount, date)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": true, "payment": p})
}

// ImportStatement reconciles an uploaded CSV statement. Admin only.
func (h *Handlers) ImportStatement(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if err := access.RequireAdmin(caller); err != nil {
		h.respondError(c, err)
		return
	}

	var r io.Reader = c.Request.Body
	if file, err := c.FormFile("statement"); err == nil {
		fd, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read statement"})
			return
		}
		defer fd.Close()
		r = fd
	}
	result, err := h.reconcile.ImportStatement(c.Request.Context(), r)
	if err != nil {
		if result != nil {
			c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error(), "result": result})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleWebhook accepts gateway callbacks. Only a bad signature or payload
// is answered with an error; everything else is acknowledged.
func (h *Handlers) HandleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := h.reconcile.HandleGatewayEvent(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": result.EventID, "outcome": result.Outcome})
}

func (h *Handlers) FailedEvents(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if err := access.RequireAdmin(caller); err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.reconcile.FailedEvents(c.Request.Context(), cast.ToInt(c.DefaultQuery("limit", "100")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ValidateBankAccount checks the format of a tenant's account number for the
// configured region before it is put on file.
func (h *Handlers) ValidateBankAccount(c *gin.Context) {
	if _, ok := h.caller(c); !ok {
		return
	}
	var body struct {
		Account string `json:"account" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.accounts.ValidateBankAccountNumber(body.Account)})
}

func reportPeriod(c *gin.Context) (services.Period, error) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		return services.Period{}, apperrors.Validation("invalid from date")
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		return services.Period{}, apperrors.Validation("invalid to date")
	}
	return services.Period{From: from, To: to}, nil
}

func (h *Handlers) Totals(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	period, err := reportPeriod(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	summary, err := h.reports.Totals(c.Request.Context(), caller, period)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handlers) MethodDistribution(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	period, err := reportPeriod(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	shares, err := h.reports.MethodDistribution(c.Request.Context(), caller, period)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": shares})
}

// ExportReport streams the report workbook
func (h *Handlers) ExportReport(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	period, err := reportPeriod(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := h.reports.ExportXLSX(c.Request.Context(), caller, period, &buf); err != nil {
		h.respondError(c, err)
		return
	}
	filename := fmt.Sprintf("payments-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}
