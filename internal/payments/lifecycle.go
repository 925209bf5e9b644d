package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/logger"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/webhooks"
)

var (
	paymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_payment_transitions_total",
		Help: "Payment state transitions applied by the lifecycle engine",
	}, []string{"state"})

	paymentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_payment_errors_total",
		Help: "Lifecycle handler failures by error code",
	}, []string{"code"})
)

// ProcessNext advances at most one eligible payment and returns its ID, or
// "" when no candidate exists. The payment is held under its row lock for
// the duration of the step; concurrent workers skip it and pick others.
func (s *Service) ProcessNext(ctx context.Context) (string, error) {
	locked, err := s.store.AcquireNextPayment(ctx, time.Now())
	if err != nil {
		return "", err
	}
	if locked == nil {
		return "", nil
	}
	defer locked.Release(ctx)

	p := locked.Payment()
	entryState := p.State
	var herr error
	switch p.State {
	case StateQuoting:
		herr = s.handleQuoting(ctx, p)
	case StateFunding:
		// Only eligible once the quote's activation deadline has passed.
		s.cancel(ctx, p, CodeQuoteExpired)
	case StateSending:
		herr = s.handleSending(ctx, p)
	case StateCompleted, StateCancelled:
		// Terminal with an outstanding liquidity withdrawal.
		_ = s.withdraw(ctx, p)
	}

	if herr != nil {
		s.onError(ctx, p, herr)
	}
	p.UpdatedAt = time.Now()

	if err := locked.Save(ctx); err != nil {
		return "", err
	}

	// Events fire only once the row is durable; a failed save must never
	// announce a transition that was rolled back.
	switch {
	case entryState == StateQuoting && p.State == StateFunding:
		s.emitFunding(ctx, p)
	case p.State.Terminal() && !p.WithdrawLiquidity:
		s.emitTerminal(ctx, p)
	}
	return p.ID, nil
}

// handleQuoting probes the destination and computes the quote bounds. It
// may short-circuit to Completed when the destination is already paid.
func (s *Service) handleQuoting(ctx context.Context, p *OutgoingPayment) error {
	prices, err := s.rates.Prices(ctx)
	if err != nil {
		return err
	}

	dest, err := s.client.SetupPayment(ctx, p.Intent.Receiver())
	if err != nil {
		return err
	}
	if err := s.pinDestination(p, dest); err != nil {
		return err
	}

	asset, err := s.ledger.GetAsset(ctx, p.Unit)
	if err != nil {
		return failWith(CodeUnknown, err)
	}

	if !p.Intent.FixedSend() {
		if dest.IncomingAmount == nil || dest.ReceivedAmount == nil {
			return failCode(CodeInvalidDestination)
		}
		if *dest.ReceivedAmount >= *dest.IncomingAmount {
			return s.complete(ctx, p)
		}
	}

	probe, err := s.client.Quote(ctx, dest, asset.Code, asset.Scale, prices)
	if err != nil {
		return err
	}

	one := dec(1)
	minRate := probe.LowRate.Mul(one.Sub(s.cfg.Slippage))
	if !minRate.IsPositive() {
		return failCode(string(payclient.CodePriceUnavailable))
	}

	now := time.Now()
	quote := &Quote{
		Timestamp:          now,
		ActivationDeadline: now.Add(s.cfg.QuoteLifespan),
		MaxPacketAmount:    probe.MaxPacketAmount,
		MinExchangeRate:    minRate,
		LowEstimatedRate:   probe.LowRate,
		HighEstimatedRate:  probe.HighRate,
	}
	if p.Intent.FixedSend() {
		quote.TargetType = TargetSend
		quote.MaxSourceAmount = p.Intent.AmountToSend
		quote.MinDeliveryAmount = ceilMul(p.Intent.AmountToSend, minRate)
	} else {
		remaining := *dest.IncomingAmount - *dest.ReceivedAmount
		quote.TargetType = TargetDeliver
		quote.MinDeliveryAmount = remaining
		quote.MaxSourceAmount = ceilDiv(remaining, minRate)
	}

	p.Quote = quote
	p.State = StateFunding
	p.StateAttempts = 0
	p.Error = ""
	paymentTransitions.WithLabelValues(string(StateFunding)).Inc()
	return nil
}

// handleSending recomputes the remaining targets from the current ledger
// balance, reserves a send budget, pays, and settles the reservation against
// the amount actually sent. Recomputing from the ledger rather than from
// in-memory counters makes retries after a crash or partial send idempotent.
func (s *Service) handleSending(ctx context.Context, p *OutgoingPayment) error {
	if p.Quote == nil || p.Destination == nil {
		return failCode(CodeUnknown)
	}

	dest, err := s.client.SetupPayment(ctx, p.Intent.Receiver())
	if err != nil {
		return err
	}
	if err := s.pinDestination(p, dest); err != nil {
		return err
	}

	asset, err := s.ledger.GetAsset(ctx, p.Unit)
	if err != nil {
		return failWith(CodeUnknown, err)
	}

	balance, err := s.ledger.GetBalance(ctx, p.AccountID)
	if err != nil {
		return failWith(CodeUnknown, err)
	}
	totalSent, err := s.ledger.GetTotalSent(ctx, p.AccountID)
	if err != nil {
		return failWith(CodeUnknown, err)
	}

	var maxSource, minDelivery uint64
	if p.Intent.FixedSend() {
		if totalSent >= p.Intent.AmountToSend {
			return s.complete(ctx, p)
		}
		maxSource = p.Intent.AmountToSend - totalSent

		// Receipts for earlier attempts may be lost, but per-packet rate
		// enforcement guarantees at least ceil(sent*minRate) was delivered.
		deliveredFloor := ceilMul(totalSent, p.Quote.MinExchangeRate)
		if deliveredFloor < p.Quote.MinDeliveryAmount {
			minDelivery = p.Quote.MinDeliveryAmount - deliveredFloor
		}
	} else {
		if dest.IncomingAmount == nil || dest.ReceivedAmount == nil {
			return failCode(CodeInvalidDestination)
		}
		if *dest.ReceivedAmount >= *dest.IncomingAmount {
			return s.complete(ctx, p)
		}
		remaining := *dest.IncomingAmount - *dest.ReceivedAmount
		minDelivery = remaining
		maxSource = ceilDiv(remaining, p.Quote.MinExchangeRate)
	}

	if balance == 0 {
		// Funds have not arrived (or were consumed); transient until the
		// funding side catches up.
		return failCode(CodeInsufficientBalance)
	}
	budget := maxSource
	if balance < budget {
		budget = balance
	}

	reservationID := uuid.NewString()
	if err := s.ledger.CreateWithdrawal(ctx, reservationID, p.AccountID, budget, s.cfg.SendTimeout); err != nil {
		return err
	}

	receipt, payErr := s.client.Pay(ctx, payclient.PayRequest{
		Destination:       dest,
		SourceCode:        asset.Code,
		SourceScale:       asset.Scale,
		MaxSourceAmount:   budget,
		MinDeliveryAmount: minDelivery,
		MaxPacketAmount:   p.Quote.MaxPacketAmount,
		MinExchangeRate:   p.Quote.MinExchangeRate,
	})
	if receipt == nil {
		receipt = &payclient.Receipt{}
	}

	if err := s.settle(ctx, p, reservationID, budget, receipt.AmountSent); err != nil {
		return err
	}
	p.AmountDelivered += receipt.AmountDelivered

	if payErr != nil {
		return payErr
	}

	if p.Intent.FixedSend() {
		if totalSent+receipt.AmountSent >= p.Intent.AmountToSend {
			return s.complete(ctx, p)
		}
	} else if receipt.AmountDelivered >= minDelivery {
		return s.complete(ctx, p)
	}

	// Progress without an error still counts against the sending attempts.
	return failCode(CodeIncompletePayment)
}

// settle resolves the send reservation so the ledger reflects exactly what
// left the account: commit on a full send, otherwise roll back and post a
// single-phase withdrawal for the partial amount.
func (s *Service) settle(ctx context.Context, p *OutgoingPayment, reservationID string, reserved, sent uint64) error {
	if sent == reserved {
		err := s.ledger.CommitTransfer(ctx, reservationID)
		if err == nil {
			return nil
		}
		if !accounting.IsCode(err, accounting.CodeTransferExpired) {
			return failWith(CodeIncompletePayment, err)
		}
		// The reservation lapsed while paying; fall through and post the
		// sent amount directly.
	} else {
		if err := s.ledger.RollbackTransfer(ctx, reservationID); err != nil &&
			!accounting.IsCode(err, accounting.CodeTransferExpired) {
			return failWith(CodeIncompletePayment, err)
		}
	}

	if sent == 0 {
		return nil
	}
	if err := s.ledger.CreateWithdrawal(ctx, uuid.NewString(), p.AccountID, sent, 0); err != nil {
		return failWith(CodeIncompletePayment, err)
	}
	return nil
}

// pinDestination records the destination on first contact and treats any
// later asset drift as fatal, never silently re-quoting.
func (s *Service) pinDestination(p *OutgoingPayment, dest *payclient.Destination) error {
	if p.Destination == nil {
		p.Destination = &Destination{
			URL:        dest.URL,
			AssetCode:  dest.AssetCode,
			AssetScale: dest.AssetScale,
		}
		return nil
	}
	if p.Destination.AssetCode != dest.AssetCode || p.Destination.AssetScale != dest.AssetScale {
		return failCode(CodeDestinationAssetDrifted)
	}
	return nil
}

// onError converts a handler failure into a retry or a cancellation. The
// engine is the sole retrier in the system.
func (s *Service) onError(ctx context.Context, p *OutgoingPayment, err error) {
	code := classify(err)
	paymentErrors.WithLabelValues(code).Inc()
	logger.Error("payment lifecycle step failed", err, logger.Fields{
		"payment_id": p.ID,
		"state":      string(p.State),
		"attempts":   p.StateAttempts,
		"code":       code,
	})

	maxAttempts := 0
	switch p.State {
	case StateQuoting:
		maxAttempts = s.cfg.MaxQuoteRetries
	case StateSending:
		maxAttempts = s.cfg.MaxSendRetries
	}

	if retryable(code) && (maxAttempts == 0 || p.StateAttempts+1 < maxAttempts) {
		p.Error = code
		p.StateAttempts++
		p.NextAttemptAt = time.Now().Add(s.retryDelay(p.StateAttempts))
		return
	}
	if retryable(code) {
		code = CodeMaxAttemptsExceeded
	}
	s.cancel(ctx, p, code)
}

// complete moves the payment to Completed, holding external visibility back
// until leftover liquidity has been reclaimed.
func (s *Service) complete(ctx context.Context, p *OutgoingPayment) error {
	s.snapshotSent(ctx, p)
	p.State = StateCompleted
	p.Error = ""
	p.StateAttempts = 0
	p.WithdrawLiquidity = true
	paymentTransitions.WithLabelValues(string(StateCompleted)).Inc()
	_ = s.withdraw(ctx, p)
	return nil
}

func (s *Service) cancel(ctx context.Context, p *OutgoingPayment, code string) {
	s.snapshotSent(ctx, p)
	p.State = StateCancelled
	p.Error = code
	p.StateAttempts = 0
	p.WithdrawLiquidity = true
	paymentTransitions.WithLabelValues(string(StateCancelled)).Inc()
	_ = s.withdraw(ctx, p)
}

// withdraw reclaims leftover balance into the asset's liquidity account and
// only then clears WithdrawLiquidity. On failure the flag stays set and the
// worker retries indefinitely: a payment is never reported done with stranded
// funds. The terminal event itself is emitted by the caller after the row is
// saved.
func (s *Service) withdraw(ctx context.Context, p *OutgoingPayment) error {
	balance, err := s.ledger.GetBalance(ctx, p.AccountID)
	if err != nil {
		s.scheduleWithdrawRetry(p)
		return err
	}

	if balance > 0 {
		liquidity, err := s.ledger.LiquidityAccount(ctx, p.Unit)
		if err != nil {
			s.scheduleWithdrawRetry(p)
			return err
		}
		if err := s.ledger.CreateTransfer(ctx, uuid.NewString(), p.AccountID, liquidity.ID, balance, 0); err != nil {
			s.scheduleWithdrawRetry(p)
			return err
		}
	}

	p.WithdrawLiquidity = false
	p.StateAttempts = 0
	return nil
}

func (s *Service) emitFunding(ctx context.Context, p *OutgoingPayment) {
	_ = s.hooks.Notify(ctx, webhooks.Event{
		ID:   p.ID,
		Type: webhooks.EventPaymentFunding,
		Data: map[string]any{
			"account_id":     p.AccountID,
			"amount_to_fund": p.Quote.MaxSourceAmount,
			"deadline":       p.Quote.ActivationDeadline,
		},
	})
}

func (s *Service) emitTerminal(ctx context.Context, p *OutgoingPayment) {
	eventType := webhooks.EventPaymentCompleted
	if p.State == StateCancelled {
		eventType = webhooks.EventPaymentCancelled
	}
	_ = s.hooks.Notify(ctx, webhooks.Event{
		ID:   p.ID,
		Type: eventType,
		Data: map[string]any{
			"account_id":       p.AccountID,
			"state":            string(p.State),
			"error":            p.Error,
			"amount_sent":      p.AmountSent,
			"amount_delivered": p.AmountDelivered,
		},
	})
}

func (s *Service) scheduleWithdrawRetry(p *OutgoingPayment) {
	p.StateAttempts++
	p.NextAttemptAt = time.Now().Add(s.retryDelay(p.StateAttempts))
}

// snapshotSent freezes the total sent before the terminal refund muddies the
// account's debit totals.
func (s *Service) snapshotSent(ctx context.Context, p *OutgoingPayment) {
	totalSent, err := s.ledger.GetTotalSent(ctx, p.AccountID)
	if err != nil {
		return
	}
	if p.Intent.FixedSend() && totalSent > p.Intent.AmountToSend {
		totalSent = p.Intent.AmountToSend
	}
	p.AmountSent = totalSent
}
