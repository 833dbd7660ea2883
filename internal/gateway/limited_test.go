package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/gateway/gatewaytest"
)

func TestLimitedDelegates(t *testing.T) {
	p, tenant := cardPayment()
	inner := &gatewaytest.MockGateway{Name: "stripe"}
	inner.On("CreatePaymentIntent", mock.Anything, p, tenant).
		Return(&gateway.Response{Success: true, TransactionID: "pi_1"}, nil).Once()
	inner.On("RefundPayment", mock.Anything, p, decimal.NewFromInt(10), "oops").
		Return(nil, errors.New("connection reset")).Once()

	limited := gateway.NewLimited(inner, 100, 10)
	assert.Equal(t, "stripe", limited.ProviderName())

	resp, err := limited.CreatePaymentIntent(context.Background(), p, tenant)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", resp.TransactionID)

	_, err = limited.RefundPayment(context.Background(), p, decimal.NewFromInt(10), "oops")
	assert.EqualError(t, err, "connection reset")

	inner.AssertExpectations(t)
}

func TestLimitedHonoursContextWhileWaiting(t *testing.T) {
	p, tenant := cardPayment()
	inner := &gatewaytest.MockGateway{}
	inner.On("ProcessPayment", mock.Anything, p, tenant, "").
		Return(&gateway.Response{Success: true}, nil).Once()

	// one token per minute: the first call drains the bucket
	limited := gateway.NewLimited(inner, 1.0/60, 1)
	_, err := limited.ProcessPayment(context.Background(), p, tenant, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.ProcessPayment(ctx, p, tenant, "")
	assert.Error(t, err)
	inner.AssertNumberOfCalls(t, "ProcessPayment", 1)
}
