package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/rates"
	"github.com/punchamoorthee/payflow/internal/webhooks"
)

type Config struct {
	Slippage        decimal.Decimal
	QuoteLifespan   time.Duration
	SendTimeout     time.Duration
	MaxQuoteRetries int
	MaxSendRetries  int
	RetryBase       time.Duration
	RetryCap        time.Duration
}

// DefaultConfig matches the production defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		Slippage:        decimal.RequireFromString("0.01"),
		QuoteLifespan:   5 * time.Minute,
		SendTimeout:     30 * time.Second,
		MaxQuoteRetries: 5,
		MaxSendRetries:  5,
		RetryBase:       500 * time.Millisecond,
		RetryCap:        time.Minute,
	}
}

// Service owns the outgoing-payment state machine. Money movement is
// delegated exclusively to the accounting engine; outbound probing and
// packet sending to the payment client.
type Service struct {
	store  Store
	ledger *accounting.Engine
	rates  rates.Service
	client payclient.Client
	hooks  webhooks.Sink
	cfg    Config
}

func NewService(store Store, ledger *accounting.Engine, ratesService rates.Service, client payclient.Client, hooks webhooks.Sink, cfg Config) *Service {
	if hooks == nil {
		hooks = webhooks.NoopSink{}
	}
	return &Service{
		store:  store,
		ledger: ledger,
		rates:  ratesService,
		client: client,
		hooks:  hooks,
		cfg:    cfg,
	}
}

// Create opens a payment in Quoting on behalf of the payer account. The
// account must already exist; its asset unit is pinned onto the payment.
func (s *Service) Create(ctx context.Context, accountID string, intent Intent) (*OutgoingPayment, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	payment := &OutgoingPayment{
		ID:            uuid.NewString(),
		AccountID:     account.ID,
		Unit:          account.Unit,
		Intent:        intent,
		State:         StateQuoting,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) Get(ctx context.Context, id string) (*OutgoingPayment, error) {
	return s.store.GetPayment(ctx, id)
}

// Fund deposits reserved liquidity against the quote. Once the account's
// spendable balance covers the quote's max source amount the payment moves to
// Sending. transferID is the caller's idempotency key for the deposit.
func (s *Service) Fund(ctx context.Context, id, transferID string, amount uint64) (*OutgoingPayment, error) {
	locked, err := s.store.AcquirePayment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locked.Release(ctx)

	p := locked.Payment()
	if p.State != StateFunding || p.Quote == nil {
		return nil, ErrWrongState
	}
	if time.Now().After(p.Quote.ActivationDeadline) {
		return nil, ErrQuoteExpired
	}

	if err := s.ledger.CreateDeposit(ctx, transferID, p.AccountID, amount); err != nil {
		return nil, err
	}

	// The gate is the current balance, not cumulative credits: funding from
	// a cancelled round has been reclaimed into liquidity and must not count
	// toward a requoted quote.
	funded, err := s.ledger.GetBalance(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	if funded >= p.Quote.MaxSourceAmount {
		now := time.Now()
		p.State = StateSending
		p.StateAttempts = 0
		p.Error = ""
		p.NextAttemptAt = now
		p.UpdatedAt = now
	}

	if err := locked.Save(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Cancel aborts a payment that has not started sending.
func (s *Service) Cancel(ctx context.Context, id string) (*OutgoingPayment, error) {
	locked, err := s.store.AcquirePayment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locked.Release(ctx)

	p := locked.Payment()
	if p.State != StateQuoting && p.State != StateFunding {
		return nil, ErrWrongState
	}

	s.cancel(ctx, p, CodeCancelledByAPI)
	if err := locked.Save(ctx); err != nil {
		return nil, err
	}
	if !p.WithdrawLiquidity {
		s.emitTerminal(ctx, p)
	}
	return p, nil
}

// Requote restarts a cancelled payment from Quoting. The pinned destination
// is kept so an asset change is still detected as fatal.
func (s *Service) Requote(ctx context.Context, id string) (*OutgoingPayment, error) {
	locked, err := s.store.AcquirePayment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer locked.Release(ctx)

	p := locked.Payment()
	if p.State != StateCancelled || p.WithdrawLiquidity {
		return nil, ErrWrongState
	}

	now := time.Now()
	p.State = StateQuoting
	p.Error = ""
	p.StateAttempts = 0
	p.Quote = nil
	p.NextAttemptAt = now
	p.UpdatedAt = now

	if err := locked.Save(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// retryDelay is the exponential backoff applied between attempts within one
// state. The first retry waits RetryBase; each further attempt doubles it up
// to RetryCap, so a stuck payment keeps getting picked up.
func (s *Service) retryDelay(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempts && d < s.cfg.RetryCap; i++ {
		d *= 2
	}
	if d > s.cfg.RetryCap {
		d = s.cfg.RetryCap
	}
	return d
}
