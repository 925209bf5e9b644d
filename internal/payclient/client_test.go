package payclient_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/payclient"
)

func TestRetryable(t *testing.T) {
	require.True(t, payclient.Retryable(&payclient.ProtocolError{Code: payclient.CodeConnectorError}))
	require.True(t, payclient.Retryable(&payclient.ProtocolError{Code: payclient.CodeIdleTimeout}))
	require.True(t, payclient.Retryable(context.DeadlineExceeded))
	require.False(t, payclient.Retryable(&payclient.ProtocolError{Code: payclient.CodeInvalidDestination}))
	require.False(t, payclient.Retryable(context.Canceled))
}

func TestLoopbackPayStopsAtInvoiceRemaining(t *testing.T) {
	ctx := context.Background()
	prices := map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.NewFromInt(2),
	}
	loop := payclient.NewLoopback(prices)

	incoming := uint64(50)
	loop.AddReceiver("https://wallet.example/invoices/1", "EUR", 2, &incoming)

	dest, err := loop.SetupPayment(ctx, "https://wallet.example/invoices/1")
	require.NoError(t, err)

	// A budget far beyond the invoice only spends what the invoice needs.
	receipt, err := loop.Pay(ctx, payclient.PayRequest{
		Destination:     dest,
		SourceCode:      "USD",
		SourceScale:     2,
		MaxSourceAmount: 1000,
		MinExchangeRate: decimal.RequireFromString("0.495"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(100), receipt.AmountSent)
	require.Equal(t, uint64(50), receipt.AmountDelivered)
	require.Equal(t, uint64(50), loop.Received("https://wallet.example/invoices/1"))

	// The settled invoice accepts nothing further.
	receipt, err = loop.Pay(ctx, payclient.PayRequest{
		Destination:     dest,
		SourceCode:      "USD",
		SourceScale:     2,
		MaxSourceAmount: 1000,
		MinExchangeRate: decimal.RequireFromString("0.495"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), receipt.AmountSent)
	require.Equal(t, uint64(0), receipt.AmountDelivered)
}

func TestLoopbackInjectedFailure(t *testing.T) {
	ctx := context.Background()
	prices := map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)}
	loop := payclient.NewLoopback(prices)
	loop.AddReceiver("$wallet.example/bob", "USD", 2, nil)

	dest, err := loop.SetupPayment(ctx, "$wallet.example/bob")
	require.NoError(t, err)

	loop.FailNext(payclient.CodeIdleTimeout, 30)
	receipt, err := loop.Pay(ctx, payclient.PayRequest{
		Destination:     dest,
		SourceCode:      "USD",
		SourceScale:     2,
		MaxSourceAmount: 100,
		MinExchangeRate: decimal.RequireFromString("0.9"),
	})
	require.Error(t, err)
	require.Equal(t, payclient.CodeIdleTimeout, payclient.CodeOf(err))
	require.Equal(t, uint64(30), receipt.AmountSent)
	require.Equal(t, uint64(30), receipt.AmountDelivered)

	// The failure is one-shot; the next pay runs clean.
	receipt, err = loop.Pay(ctx, payclient.PayRequest{
		Destination:     dest,
		SourceCode:      "USD",
		SourceScale:     2,
		MaxSourceAmount: 70,
		MinExchangeRate: decimal.RequireFromString("0.9"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(70), receipt.AmountSent)
}
