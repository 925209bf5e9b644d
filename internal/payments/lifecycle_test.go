package payments_test

import (
	"context"
	"errors"
	"sync"
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
	"github.com/punchamoorthee/payflow/internal/webhooks"
)

const (
	usdUnit = uint32(1)
	pointer = "$wallet.example/alice"
	invoice = "https://wallet.example/invoices/abc"
)

// testPrices gives a USD->EUR rate of 0.5 at equal scales.
func testPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.NewFromInt(2),
	}
}

func testConfig() payments.Config {
	return payments.Config{
		Slippage:        decimal.RequireFromString("0.01"),
		QuoteLifespan:   time.Minute,
		SendTimeout:     time.Minute,
		MaxQuoteRetries: 5,
		MaxSendRetries:  5,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []webhooks.Event
}

func (r *recordingSink) Notify(ctx context.Context, event webhooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	ledger *accounting.Engine
	loop   *payclient.Loopback
	svc    *payments.Service
	hooks  *recordingSink
}

func newFixture(t *testing.T, cfg payments.Config) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ledger := accounting.NewEngine(mem)
	_, err := ledger.CreateAsset(context.Background(), usdUnit, "USD", 2)
	require.NoError(t, err)

	loop := payclient.NewLoopback(testPrices())
	hooks := &recordingSink{}
	svc := payments.NewService(mem, ledger, rates.NewStatic(testPrices()), loop, hooks, cfg)
	return &fixture{ledger: ledger, loop: loop, svc: svc, hooks: hooks}
}

func (f *fixture) newAccount(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_, err := f.ledger.CreateAccount(context.Background(), id, usdUnit, "")
	require.NoError(t, err)
	return id
}

// step advances exactly one payment and asserts something was processed.
func (f *fixture) step(t *testing.T) {
	t.Helper()
	id, err := f.svc.ProcessNext(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func (f *fixture) payment(t *testing.T, id string) *payments.OutgoingPayment {
	t.Helper()
	p, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestFixedSendHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	require.Equal(t, payments.StateQuoting, p.State)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateFunding, p.State)
	require.NotNil(t, p.Quote)
	require.Equal(t, payments.TargetSend, p.Quote.TargetType)
	require.Equal(t, uint64(123), p.Quote.MaxSourceAmount)
	// rate 0.5 less 1% slippage: ceil(123 * 0.495) = 61
	require.Equal(t, uint64(61), p.Quote.MinDeliveryAmount)
	require.Equal(t, []string{webhooks.EventPaymentFunding}, f.hooks.types())

	p, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 123)
	require.NoError(t, err)
	require.Equal(t, payments.StateSending, p.State)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCompleted, p.State)
	require.False(t, p.WithdrawLiquidity)
	require.Empty(t, p.Error)
	require.Equal(t, uint64(123), p.AmountSent)
	require.Equal(t, uint64(61), p.AmountDelivered)
	require.Equal(t, uint64(61), f.loop.Received(pointer))

	b, err := f.ledger.GetBalance(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b)
	require.Equal(t, []string{webhooks.EventPaymentFunding, webhooks.EventPaymentCompleted}, f.hooks.types())
}

func TestFixedSendResumesAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)
	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 123)
	require.NoError(t, err)

	// First attempt dies mid-stream after 40 source units left the account.
	f.loop.FailNext(payclient.CodeConnectorError, 40)
	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateSending, p.State)
	require.Equal(t, string(payclient.CodeConnectorError), p.Error)
	require.Equal(t, 1, p.StateAttempts)
	require.Equal(t, uint64(20), p.AmountDelivered)

	// The partial send is posted against the ledger, so the retry only
	// spends what remains. Nothing is ever sent twice.
	sent, err := f.ledger.GetTotalSent(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(40), sent)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCompleted, p.State)
	require.Equal(t, uint64(123), p.AmountSent)
	require.Equal(t, uint64(61), p.AmountDelivered)
	require.Equal(t, uint64(61), f.loop.Received(pointer))

	b, err := f.ledger.GetBalance(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b)
}

func TestFixedDeliveryHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	incoming := uint64(61)
	f.loop.AddReceiver(invoice, "EUR", 2, &incoming)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{InvoiceURL: invoice})
	require.NoError(t, err)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateFunding, p.State)
	require.Equal(t, payments.TargetDeliver, p.Quote.TargetType)
	require.Equal(t, uint64(61), p.Quote.MinDeliveryAmount)
	// ceil(61 / 0.495) = 124
	require.Equal(t, uint64(124), p.Quote.MaxSourceAmount)

	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 124)
	require.NoError(t, err)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCompleted, p.State)
	require.Equal(t, uint64(61), p.AmountDelivered)
	require.Equal(t, uint64(61), f.loop.Received(invoice))
	// The achievable rate beat the worst case, so less than the funded
	// amount was spent and the rest went back to liquidity.
	require.Equal(t, uint64(122), p.AmountSent)

	b, err := f.ledger.GetBalance(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b)

	liquidity, err := f.ledger.LiquidityAccount(ctx, usdUnit)
	require.NoError(t, err)
	lb, err := f.ledger.GetBalance(ctx, liquidity.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lb)
}

func TestAlreadyPaidInvoiceCompletesFromQuoting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	incoming := uint64(61)
	f.loop.AddReceiver(invoice, "EUR", 2, &incoming)

	first := f.newAccount(t)
	p, err := f.svc.Create(ctx, first, payments.Intent{InvoiceURL: invoice})
	require.NoError(t, err)
	f.step(t)
	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 124)
	require.NoError(t, err)
	f.step(t)
	require.Equal(t, payments.StateCompleted, f.payment(t, p.ID).State)

	// A second payment toward the settled invoice completes without sending.
	second := f.newAccount(t)
	p2, err := f.svc.Create(ctx, second, payments.Intent{InvoiceURL: invoice})
	require.NoError(t, err)
	f.step(t)
	p2 = f.payment(t, p2.ID)
	require.Equal(t, payments.StateCompleted, p2.State)
	require.Equal(t, uint64(0), p2.AmountSent)
	require.Equal(t, uint64(0), p2.AmountDelivered)
}

func TestFundingDeadlineCancelsAndRefunds(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QuoteLifespan = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)

	// Partially funded, then the quote lapses before funding completes.
	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 30)
	require.NoError(t, err)
	require.Equal(t, payments.StateFunding, f.payment(t, p.ID).State)
	time.Sleep(50 * time.Millisecond)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCancelled, p.State)
	require.Equal(t, payments.CodeQuoteExpired, p.Error)
	require.False(t, p.WithdrawLiquidity)

	// The partial funding was reclaimed into the liquidity account.
	b, err := f.ledger.GetBalance(ctx, account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b)
	liquidity, err := f.ledger.LiquidityAccount(ctx, usdUnit)
	require.NoError(t, err)
	lb, err := f.ledger.GetBalance(ctx, liquidity.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(30), lb)
}

func TestRequoteRestartsCancelledPayment(t *testing.T) {
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
	f.step(t)
	require.Equal(t, payments.StateCancelled, f.payment(t, p.ID).State)

	p, err = f.svc.Requote(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateQuoting, p.State)
	require.Empty(t, p.Error)
	require.Nil(t, p.Quote)
	// The pinned destination survives the requote.
	require.NotNil(t, p.Destination)
	require.Equal(t, "EUR", p.Destination.AssetCode)
}

func TestDestinationAssetDriftIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.loop.AddReceiver(pointer, "EUR", 2, nil)
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)
	f.step(t)
	_, err = f.svc.Fund(ctx, p.ID, uuid.NewString(), 123)
	require.NoError(t, err)

	// The receiver switches assets between quoting and sending.
	f.loop.AddReceiver(pointer, "GBP", 2, nil)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCancelled, p.State)
	require.Equal(t, payments.CodeDestinationAssetDrifted, p.Error)

	// All funded liquidity was reclaimed, nothing was sent.
	require.Equal(t, uint64(0), p.AmountSent)
	liquidity, err := f.ledger.LiquidityAccount(ctx, usdUnit)
	require.NoError(t, err)
	lb, err := f.ledger.GetBalance(ctx, liquidity.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(123), lb)
}

type unavailableRates struct{}

func (unavailableRates) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, rates.ErrUnavailable
}

func (unavailableRates) Convert(ctx context.Context, amount uint64, source, destination rates.Asset, slippage decimal.Decimal) (uint64, error) {
	return 0, rates.ErrUnavailable
}

func TestQuoteRetriesExhaustToCancelled(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ledger := accounting.NewEngine(mem)
	_, err := ledger.CreateAsset(ctx, usdUnit, "USD", 2)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxQuoteRetries = 2
	loop := payclient.NewLoopback(testPrices())
	loop.AddReceiver(pointer, "EUR", 2, nil)
	svc := payments.NewService(mem, ledger, unavailableRates{}, loop, nil, cfg)

	account := uuid.NewString()
	_, err = ledger.CreateAccount(ctx, account, usdUnit, "")
	require.NoError(t, err)

	p, err := svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	_, err = svc.ProcessNext(ctx)
	require.NoError(t, err)
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateQuoting, got.State)
	require.Equal(t, payments.CodeRatesUnavailable, got.Error)
	require.Equal(t, 1, got.StateAttempts)

	_, err = svc.ProcessNext(ctx)
	require.NoError(t, err)
	got, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateCancelled, got.State)
	require.Equal(t, payments.CodeMaxAttemptsExceeded, got.Error)
}

func TestUnknownReceiverIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	account := f.newAccount(t)

	p, err := f.svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	f.step(t)
	p = f.payment(t, p.ID)
	require.Equal(t, payments.StateCancelled, p.State)
	require.Equal(t, payments.CodeInvalidDestination, p.Error)
}

// failNextSaveStore makes the next acquired row fail its Save, simulating a
// store that loses the state write after the handler ran.
type failNextSaveStore struct {
	payments.Store
	armed bool
}

func (s *failNextSaveStore) AcquireNextPayment(ctx context.Context, now time.Time) (payments.Locked, error) {
	locked, err := s.Store.AcquireNextPayment(ctx, now)
	if locked != nil && s.armed {
		s.armed = false
		return &failingSave{Locked: locked}, nil
	}
	return locked, err
}

type failingSave struct {
	payments.Locked
}

func (l *failingSave) Save(ctx context.Context) error {
	return errors.New("connection reset")
}

func TestTerminalEventWaitsForDurableState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QuoteLifespan = time.Nanosecond

	mem := store.NewMemory()
	ledger := accounting.NewEngine(mem)
	_, err := ledger.CreateAsset(ctx, usdUnit, "USD", 2)
	require.NoError(t, err)

	loop := payclient.NewLoopback(testPrices())
	loop.AddReceiver(pointer, "EUR", 2, nil)
	hooks := &recordingSink{}
	flaky := &failNextSaveStore{Store: mem}
	svc := payments.NewService(flaky, ledger, rates.NewStatic(testPrices()), loop, hooks, cfg)

	account := uuid.NewString()
	_, err = ledger.CreateAccount(ctx, account, usdUnit, "")
	require.NoError(t, err)
	p, err := svc.Create(ctx, account, payments.Intent{PaymentPointer: pointer, AmountToSend: 123})
	require.NoError(t, err)

	_, err = svc.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{webhooks.EventPaymentFunding}, hooks.types())
	time.Sleep(5 * time.Millisecond)

	// The quote lapses but the cancel fails to persist: no terminal event
	// may be announced for a row that is still FUNDING.
	flaky.armed = true
	_, err = svc.ProcessNext(ctx)
	require.Error(t, err)
	require.Equal(t, []string{webhooks.EventPaymentFunding}, hooks.types())
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateFunding, got.State)

	// The retry persists the cancellation and emits exactly one event.
	_, err = svc.ProcessNext(ctx)
	require.NoError(t, err)
	got, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StateCancelled, got.State)
	require.Equal(t, []string{webhooks.EventPaymentFunding, webhooks.EventPaymentCancelled}, hooks.types())
}

func TestProcessNextIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	id, err := f.svc.ProcessNext(context.Background())
	require.NoError(t, err)
	require.Empty(t, id)
}
