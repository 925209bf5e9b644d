package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/payments"
)

func TestCreateValidatesIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	cases := []payments.Intent{
		{},
		{PaymentPointer: pointer},
		{PaymentPointer: pointer, AmountToSend: 10, InvoiceURL: invoice},
		{InvoiceURL: invoice, AmountToSend: 10},
	}
	for _, intent := range cases {
		_, err := f.svc.Create(ctx, account, intent)
		require.ErrorIs(t, err, payments.ErrInvalidIntent)
	}
}

func TestCreateRequiresExistingAccount(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.svc.Create(context.Background(), uuid.NewString(), payments.Intent{PaymentPointer: pointer, AmountToSend: 10})
	require.Error(t, err)
}

func TestFundRequiresFundingState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 123)
	require.ErrorIs(t, err, payments.ErrWrongState)
}

func TestFundAfterDeadline(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QuoteLifespan = time.Nanosecond
	f := newFixture(t, cfg)
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)
	time.Sleep(5 * time.Millisecond)

	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 123)
	require.ErrorIs(t, err, payments.ErrQuoteExpired)
}

func TestFundPartialKeepsFunding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)

	p, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 100)
	require.NoError(t, err)
	require.Equal(t, payments.StateFunding, p.State)

	p, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 23)
	require.NoError(t, err)
	require.Equal(t, payments.StateSending, p.State)
}

func TestFundAfterRequoteNeedsFreshBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)
	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 100)
	require.NoError(t, err)

	// Cancelling reclaims the partial funding into liquidity.
	_, err = f.svc.Cancel(ctx, p.ID)
	require.NoError(t, err)
	b, err := f.ledger.GetBalance(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b)

	_, err = f.svc.Requote(ctx, p.ID)
	require.NoError(t, err)
	f.step(t)

	// The reclaimed first-round credits do not count toward the new quote;
	// only a spendable balance covering it moves the payment to Sending.
	p, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 23)
	require.NoError(t, err)
	require.Equal(t, payments.StateFunding, p.State)

	p, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 100)
	require.NoError(t, err)
	require.Equal(t, payments.StateSending, p.State)
}

func TestCancelFromQuoting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	p, err = f.svc.Cancel(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateCancelled, p.State)
	require.Equal(t, payments.CodeCancelledByAPI, p.Error)
	require.False(t, p.WithdrawLiquidity)
}

func TestCancelTerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, p.ID)
	require.ErrorIs(t, err, payments.ErrWrongState)
}

func TestRequoteRequiresCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	_, err = f.svc.Requote(ctx, p.ID)
	require.ErrorIs(t, err, payments.ErrWrongState)
}

func TestGetUnknownPayment(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.svc.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, payments.ErrNotFound)
}
