package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/notification"
	"github.com/sambitmohanty1/rentpay/internal/services"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

func TestInitiateCreatesPendingPaymentsWithUniqueKeys(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.payments.Initiate(ctx, admin, services.InitiateRequest{TenantID: tenantA, Amount: amount("2500"), Method: models.MethodCash})
	require.NoError(t, err)
	second, err := h.payments.Initiate(ctx, admin, services.InitiateRequest{TenantID: tenantA, Amount: amount("100"), Method: models.MethodCheck})
	require.NoError(t, err)

	for _, p := range []*models.Payment{first, second} {
		assert.Equal(t, models.PaymentStatusPending, p.Status)
		assert.NotEmpty(t, p.IdempotencyKey)
		assert.Nil(t, p.PaymentReference, "only bank transfers carry a reference")
	}
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller access.CallerContext
		req    services.InitiateRequest
		kind   apperrors.Kind
	}{
		{"zero amount", admin, services.InitiateRequest{TenantID: tenantA, Amount: decimal.Zero, Method: models.MethodCash}, apperrors.KindInvalidAmount},
		{"negative amount", admin, services.InitiateRequest{TenantID: tenantA, Amount: amount("-5"), Method: models.MethodCash}, apperrors.KindInvalidAmount},
		{"unknown tenant", admin, services.InitiateRequest{TenantID: "nobody", Amount: amount("5"), Method: models.MethodCash}, apperrors.KindValidation},
		{"unknown method", admin, services.InitiateRequest{TenantID: tenantA, Amount: amount("5"), Method: "barter"}, apperrors.KindValidation},
		{"other tenant", tenantBCall, services.InitiateRequest{TenantID: tenantA, Amount: amount("5"), Method: models.MethodCash}, apperrors.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := h.payments.Initiate(ctx, tt.caller, tt.req)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, apperrors.IsKind(err, tt.kind), "got %v", err)
		})
	}

	// invalid amounts are validation errors too
	_, err := h.payments.Initiate(ctx, admin, services.InitiateRequest{TenantID: tenantA, Amount: decimal.Zero, Method: models.MethodCash})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	all, err := h.payments.List(ctx, admin, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInitiateReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	req := services.InitiateRequest{TenantID: tenantA, Amount: amount("2500"), Method: models.MethodCash, IdempotencyKey: "client-key-1"}

	first, err := h.payments.Initiate(ctx, admin, req)
	require.NoError(t, err)
	again, err := h.payments.Initiate(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	all, err := h.payments.List(ctx, admin, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScenarioBankTransferReconciledByReference(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p, err := h.payments.Initiate(ctx, admin, services.InitiateRequest{
		TenantID: tenantA,
		Amount:   amount("2500"),
		Method:   models.MethodBankTransfer,
		Date:     time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, p.PaymentReference)
	assert.Equal(t, "RENT-202501-T1A2B3C4", *p.PaymentReference)

	settled, err := h.reconcile.ReconcileByReference(ctx, "rent-202501-t1a2b3c4 ", amount("2500"), time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, p.ID, settled.ID)

	stored := h.reload(t, p.ID)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
	assert.True(t, stored.ProcessedAt.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, h.notifier.types(), notification.TypePaymentConfirmed)
}

func TestScenarioCardPaymentConfirmedClientSide(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.gw.On("CreatePaymentIntent", mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.Response{Success: true, TransactionID: "pi_123", ClientSecret: "pi_123_secret"}, nil).Once()

	p, err := h.payments.Initiate(ctx, tenantACall, services.InitiateRequest{TenantID: tenantA, Amount: amount("2500"), Method: models.MethodCardOnline})
	require.NoError(t, err)

	intent, err := h.payments.CreateIntent(ctx, tenantACall, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, models.PaymentStatusPending, h.reload(t, p.ID).Status, "intent creation leaves the status alone")

	done, err := h.payments.Process(ctx, tenantACall, p.ID, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, done.Status)

	stored := h.reload(t, p.ID)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, "pi_123", stored.ExternalTransactionID)
	assert.Equal(t, "mock", stored.PaymentGatewayProvider)
	assert.NotNil(t, stored.ProcessedAt)
	h.gw.AssertNotCalled(t, "ProcessPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.gw.AssertExpectations(t)
}

func TestCreateIntentRequiresGatewayAndPendingStatus(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, false)
	p := h.seed(t, tenantA, "100", models.MethodCardOnline, models.PaymentStatusPending)
	_, err := h.payments.CreateIntent(ctx, admin, p.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindGatewayUnavailable))

	h = newHarness(t, true)
	done := h.seed(t, tenantA, "100", models.MethodCardOnline, models.PaymentStatusCompleted)
	_, err = h.payments.CreateIntent(ctx, admin, done.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))

	orphan := h.seed(t, "ghost-tenant", "100", models.MethodCardOnline, models.PaymentStatusPending)
	_, err = h.payments.CreateIntent(ctx, admin, orphan.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestProcessIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	fee := decimal.NewNullDecimal(amount("1.25"))
	h.gw.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything, "").
		Return(&gateway.Response{Success: true, Status: models.PaymentStatusCompleted, TransactionID: "pi_9", ProcessingFee: fee}, nil).Once()

	p := h.seed(t, tenantA, "2500", models.MethodCreditCard, models.PaymentStatusPending)

	first, err := h.payments.Process(ctx, admin, p.ID, "")
	require.NoError(t, err)
	second, err := h.payments.Process(ctx, admin, p.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, first.Status)
	assert.Equal(t, first.Status, second.Status)
	stored := h.reload(t, p.ID)
	assert.Equal(t, "pi_9", stored.ExternalTransactionID)
	assert.True(t, stored.ProcessingFee.Valid)
	assert.True(t, stored.ProcessingFee.Decimal.Equal(amount("1.25")))
	h.gw.AssertNumberOfCalls(t, "ProcessPayment", 1)
}

func TestProcessConcurrentCallsReachGatewayOnce(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.gw.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.Response{Success: true, Status: models.PaymentStatusCompleted, TransactionID: "pi_c"}, nil)

	p := h.seed(t, tenantA, "2500", models.MethodDebitCard, models.PaymentStatusPending)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.payments.Process(ctx, admin, p.ID, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	h.gw.AssertNumberOfCalls(t, "ProcessPayment", 1)
	assert.Equal(t, models.PaymentStatusCompleted, h.reload(t, p.ID).Status)
}

func TestProcessGatewayErrorPersistsFailureFirst(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.gw.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset by peer"))

	p := h.seed(t, tenantA, "2500", models.MethodCreditCard, models.PaymentStatusPending)

	got, err := h.payments.Process(ctx, admin, p.ID, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindGateway))
	require.NotNil(t, got)
	assert.Equal(t, models.PaymentStatusFailed, got.Status)

	stored := h.reload(t, p.ID)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Equal(t, "connection reset by peer", stored.FailureReason)
	assert.Contains(t, h.notifier.types(), notification.TypePaymentFailed)

	// a retry sees the settled outcome and does not call the gateway again
	again, err := h.payments.Process(ctx, admin, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, again.Status)
	h.gw.AssertNumberOfCalls(t, "ProcessPayment", 1)
}

func TestProcessDeclineMarksFailedWithoutError(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.gw.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.Response{Success: false, Status: models.PaymentStatusFailed, ErrorMessage: "Your card was declined."}, nil)

	p := h.seed(t, tenantA, "2500", models.MethodCreditCard, models.PaymentStatusPending)
	got, err := h.payments.Process(ctx, admin, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, got.Status)
	assert.Equal(t, "Your card was declined.", h.reload(t, p.ID).FailureReason)
}

func TestProcessManualMethodCompletesWithoutGateway(t *testing.T) {
	h := newHarness(t, true)
	p := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusPending)

	got, err := h.payments.Process(context.Background(), admin, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.PaymentGatewayProvider)
	h.gw.AssertNotCalled(t, "ProcessPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirm(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p := h.seed(t, tenantA, "2500", models.MethodCheck, models.PaymentStatusPending)
	got, err := h.payments.Confirm(ctx, admin, p.ID, "CHK-0042")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, got.Status)
	assert.Equal(t, "CHK-0042", h.reload(t, p.ID).ConfirmationCode)

	again, err := h.payments.Confirm(ctx, admin, p.ID, "CHK-0043")
	require.NoError(t, err)
	assert.Equal(t, "CHK-0042", again.ConfirmationCode, "confirming twice is a no-op")

	cancelled := h.seed(t, tenantA, "2500", models.MethodCheck, models.PaymentStatusCancelled)
	_, err = h.payments.Confirm(ctx, admin, cancelled.ID, "x")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	for _, status := range []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing} {
		p := h.seed(t, tenantA, "100", models.MethodCash, status)
		got, err := h.payments.Cancel(ctx, admin, p.ID, "tenant moved out")
		require.NoError(t, err, status)
		assert.Equal(t, models.PaymentStatusCancelled, got.Status)
		assert.Equal(t, "tenant moved out", h.reload(t, p.ID).FailureReason)
	}

	for _, status := range []models.PaymentStatus{
		models.PaymentStatusCompleted,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
		models.PaymentStatusRefunded,
	} {
		p := h.seed(t, tenantA, "100", models.MethodCash, status)
		_, err := h.payments.Cancel(ctx, admin, p.ID, "too late")
		assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState), "status %s", status)
		assert.Equal(t, status, h.reload(t, p.ID).Status)
	}
}

func TestScenarioFullRefund(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusPending)
	_, err := h.payments.Process(ctx, admin, p.ID, "")
	require.NoError(t, err)

	refund, err := h.payments.Refund(ctx, admin, p.ID, nil, "overpaid")
	require.NoError(t, err)
	assert.True(t, refund.Amount.Equal(amount("-2500")))
	assert.Equal(t, models.PaymentStatusRefunded, refund.Status)
	require.NotNil(t, refund.RefundedPaymentID)
	assert.Equal(t, p.ID, *refund.RefundedPaymentID)
	assert.Equal(t, "overpaid", refund.RefundReason)

	original := h.reload(t, p.ID)
	assert.True(t, original.IsRefunded)
	assert.Equal(t, models.PaymentStatusCompleted, original.Status)

	_, err = h.payments.Refund(ctx, admin, p.ID, nil, "again")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))

	records, err := h.payments.List(ctx, admin, store.Filter{Statuses: []models.PaymentStatus{models.PaymentStatusRefunded}})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, h.notifier.types(), notification.TypePaymentRefunded)
}

func TestRefundAmountGuards(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusCompleted)

	tooMuch := amount("2500.01")
	_, err := h.payments.Refund(ctx, admin, p.ID, &tooMuch, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidAmount))
	assert.False(t, h.reload(t, p.ID).IsRefunded)

	partial := amount("400")
	refund, err := h.payments.Refund(ctx, admin, p.ID, &partial, "damage deposit offset")
	require.NoError(t, err)
	assert.True(t, refund.Amount.Equal(amount("-400")))

	pending := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusPending)
	_, err = h.payments.Refund(ctx, admin, pending.ID, nil, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
}

func TestRefundCallsGatewayBeforeWriting(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	p := h.seed(t, tenantA, "2500", models.MethodCardOnline, models.PaymentStatusCompleted)
	p.ExternalTransactionID = "pi_77"
	p.PaymentGatewayProvider = "mock"
	require.NoError(t, h.store.Update(ctx, p))

	h.gw.On("RefundPayment", mock.Anything, mock.Anything, mock.Anything, "dispute").
		Return(nil, errors.New("gateway timeout")).Once()
	_, err := h.payments.Refund(ctx, admin, p.ID, nil, "dispute")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindGateway))
	assert.False(t, h.reload(t, p.ID).IsRefunded, "no local state after a failed gateway refund")

	h.gw.On("RefundPayment", mock.Anything, mock.Anything, mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(amount("2500")) }), "dispute").
		Return(&gateway.Response{Success: true, Status: models.PaymentStatusRefunded, TransactionID: "re_1"}, nil).Once()
	refund, err := h.payments.Refund(ctx, admin, p.ID, nil, "dispute")
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ExternalTransactionID)
	assert.Equal(t, "mock", refund.PaymentGatewayProvider)
	assert.True(t, h.reload(t, p.ID).IsRefunded)
}

func TestScenarioTenantCannotSeeOtherTenantsPayments(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	mine := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusPending)
	theirs := h.seed(t, tenantB, "1800", models.MethodCash, models.PaymentStatusPending)

	got, err := h.payments.Get(ctx, tenantACall, theirs.ID)
	assert.Nil(t, got)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthorization))

	_, err = h.payments.Update(ctx, tenantACall, theirs.ID, services.UpdateRequest{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthorization))

	list, err := h.payments.List(ctx, tenantACall, store.Filter{TenantIDs: []string{tenantB}})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = h.payments.List(ctx, tenantACall, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	owned, err := h.payments.List(ctx, ownerCall, store.Filter{})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, tenantA, owned[0].TenantID)
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusPending)

	notes := "paid at the office"
	newAmount := amount("2450")
	got, err := h.payments.Update(ctx, tenantACall, p.ID, services.UpdateRequest{Notes: &notes, Amount: &newAmount})
	require.NoError(t, err)
	assert.Equal(t, notes, got.Notes)
	assert.True(t, h.reload(t, p.ID).Amount.Equal(newAmount))

	zero := decimal.Zero
	_, err = h.payments.Update(ctx, admin, p.ID, services.UpdateRequest{Amount: &zero})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidAmount))

	err = h.payments.Delete(ctx, tenantACall, p.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthorization))
	require.NoError(t, h.payments.Delete(ctx, admin, p.ID))

	_, err = h.payments.Get(ctx, admin, p.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestListPendingAndFailed(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seed(t, tenantA, "1", models.MethodCash, models.PaymentStatusPending)
	h.seed(t, tenantA, "2", models.MethodCash, models.PaymentStatusProcessing)
	h.seed(t, tenantA, "3", models.MethodCash, models.PaymentStatusFailed)
	h.seed(t, tenantB, "4", models.MethodCash, models.PaymentStatusFailed)

	pending, err := h.payments.ListPending(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	failed, err := h.payments.ListFailed(ctx, tenantACall)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestUpdateOnlyTouchesDescriptiveFields(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.seed(t, tenantA, "2500", models.MethodCash, models.PaymentStatusCompleted)
	_, err := h.payments.Refund(ctx, admin, p.ID, nil, "overpaid")
	require.NoError(t, err)

	method := models.MethodBankTransfer
	notes := "corrected method"
	got, err := h.payments.Update(ctx, admin, p.ID, services.UpdateRequest{Method: &method, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, models.MethodBankTransfer, got.Method)
	assert.Equal(t, models.PaymentStatusCompleted, got.Status)
	assert.True(t, got.IsRefunded)
}
