package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/payments"
	"github.com/punchamoorthee/payflow/internal/store"
)

func seedPayment(t *testing.T, mem *store.Memory, nextAttempt time.Time) *payments.OutgoingPayment {
	t.Helper()
	now := time.Now()
	p := &payments.OutgoingPayment{
		ID:            uuid.NewString(),
		AccountID:     uuid.NewString(),
		Unit:          1,
		Intent:        payments.Intent{PaymentPointer: "$wallet.example/x", AmountToSend: 10},
		State:         payments.StateQuoting,
		NextAttemptAt: nextAttempt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, mem.CreatePayment(context.Background(), p))
	return p
}

func TestAcquireNextPaymentOrdering(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now()

	later := seedPayment(t, mem, now.Add(-time.Second))
	earlier := seedPayment(t, mem, now.Add(-time.Minute))
	seedPayment(t, mem, now.Add(time.Hour)) // not yet eligible

	locked, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, locked)
	require.Equal(t, earlier.ID, locked.Payment().ID)
	defer locked.Release(ctx)

	second, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, later.ID, second.Payment().ID)
	defer second.Release(ctx)

	// Both eligible rows are held, the future row is skipped.
	third, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestAcquireNextPaymentSkipsHeldRows(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now()
	p := seedPayment(t, mem, now.Add(-time.Second))

	locked, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, locked)

	skipped, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.Nil(t, skipped)

	locked.Release(ctx)

	again, err := mem.AcquireNextPayment(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, p.ID, again.Payment().ID)
	again.Release(ctx)
}

func TestSavePersistsUnderLock(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := seedPayment(t, mem, time.Now().Add(-time.Second))

	locked, err := mem.AcquirePayment(ctx, p.ID)
	require.NoError(t, err)

	locked.Payment().State = payments.StateFunding
	locked.Payment().Quote = &payments.Quote{ActivationDeadline: time.Now().Add(time.Minute)}
	require.NoError(t, locked.Save(ctx))
	locked.Release(ctx)

	got, err := mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateFunding, got.State)
	require.NotNil(t, got.Quote)
}

func TestGetPaymentCopies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := seedPayment(t, mem, time.Now())

	got, err := mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	got.State = payments.StateCancelled

	fresh, err := mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateQuoting, fresh.State)
}
