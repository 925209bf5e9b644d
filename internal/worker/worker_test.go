package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/payments"
	"github.com/punchamoorthee/payflow/internal/rates"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/worker"
)

func TestPoolProcessesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prices := map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.NewFromInt(2),
	}

	mem := store.NewMemory()
	ledger := accounting.NewEngine(mem)
	_, err := ledger.CreateAsset(ctx, 1, "USD", 2)
	require.NoError(t, err)

	loop := payclient.NewLoopback(prices)
	loop.AddReceiver("$wallet.example/alice", "EUR", 2, nil)

	svc := payments.NewService(mem, ledger, rates.NewStatic(prices), loop, nil, payments.Config{
		Slippage:        decimal.RequireFromString("0.01"),
		QuoteLifespan:   time.Minute,
		SendTimeout:     time.Minute,
		MaxQuoteRetries: 5,
		MaxSendRetries:  5,
	})

	account := uuid.NewString()
	_, err = ledger.CreateAccount(ctx, account, 1, "")
	require.NoError(t, err)
	p, err := svc.Create(ctx, account, payments.Intent{PaymentPointer: "$wallet.example/alice", AmountToSend: 50})
	require.NoError(t, err)

	pool := worker.NewPool(svc, 2, 5*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, p.ID)
		return err == nil && got.State == payments.StateFunding
	}, 2*time.Second, 5*time.Millisecond)

	// Funding the quote lets the pool drive it to completion.
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, p.ID, uuid.NewString(), got.Quote.MaxSourceAmount)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, p.ID)
		return err == nil && got.State == payments.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
