package payments

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateQuoting   State = "QUOTING"
	StateFunding   State = "FUNDING"
	StateSending   State = "SENDING"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Intent is either a fixed-send toward a payment pointer or a fixed-delivery
// toward an invoice URL, never both.
type Intent struct {
	PaymentPointer string `json:"payment_pointer,omitempty"`
	AmountToSend   uint64 `json:"amount_to_send,omitempty"`
	InvoiceURL     string `json:"invoice_url,omitempty"`
}

func (i Intent) FixedSend() bool {
	return i.PaymentPointer != ""
}

func (i Intent) Receiver() string {
	if i.FixedSend() {
		return i.PaymentPointer
	}
	return i.InvoiceURL
}

func (i Intent) Validate() error {
	if i.PaymentPointer != "" && i.InvoiceURL != "" {
		return ErrInvalidIntent
	}
	if i.PaymentPointer == "" && i.InvoiceURL == "" {
		return ErrInvalidIntent
	}
	if i.PaymentPointer != "" && i.AmountToSend == 0 {
		return ErrInvalidIntent
	}
	if i.InvoiceURL != "" && i.AmountToSend != 0 {
		return ErrInvalidIntent
	}
	return nil
}

type TargetType string

const (
	TargetSend    TargetType = "SEND"
	TargetDeliver TargetType = "DELIVER"
)

// Quote is the time-bounded price computed during Quoting. ActivationDeadline
// bounds how long the quote may wait for funding.
type Quote struct {
	Timestamp          time.Time       `json:"timestamp"`
	ActivationDeadline time.Time       `json:"activation_deadline"`
	TargetType         TargetType      `json:"target_type"`
	MinDeliveryAmount  uint64          `json:"min_delivery_amount"`
	MaxSourceAmount    uint64          `json:"max_source_amount"`
	MaxPacketAmount    uint64          `json:"max_packet_amount"`
	MinExchangeRate    decimal.Decimal `json:"min_exchange_rate"`
	LowEstimatedRate   decimal.Decimal `json:"low_estimated_rate"`
	HighEstimatedRate  decimal.Decimal `json:"high_estimated_rate"`
}

// Destination is pinned after the first quote. Its asset must never change
// for the life of the payment.
type Destination struct {
	URL        string `json:"url"`
	AssetCode  string `json:"asset_code"`
	AssetScale uint8  `json:"asset_scale"`
}

// OutgoingPayment is mutated only by the lifecycle engine under a row lock.
// It becomes immutable once terminal and WithdrawLiquidity is false.
type OutgoingPayment struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Unit      uint32 `json:"unit"`
	Intent    Intent `json:"intent"`
	State     State  `json:"state"`

	// Error holds the last lifecycle error code, retryable or fatal.
	Error         string `json:"error,omitempty"`
	StateAttempts int    `json:"state_attempts"`

	// WithdrawLiquidity marks an outstanding liquidity reclaim that must
	// finish before the terminal state is reported externally.
	WithdrawLiquidity bool `json:"withdraw_liquidity"`

	Quote       *Quote       `json:"quote,omitempty"`
	Destination *Destination `json:"destination,omitempty"`

	AmountSent      uint64 `json:"amount_sent"`
	AmountDelivered uint64 `json:"amount_delivered"`

	// NextAttemptAt persists backoff across worker restarts.
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Eligible reports whether a worker should pick this payment up now. Both
// store implementations apply exactly this predicate when selecting a
// candidate row.
func Eligible(p *OutgoingPayment, now time.Time) bool {
	switch p.State {
	case StateQuoting, StateSending:
		return !p.NextAttemptAt.After(now)
	case StateFunding:
		return p.Quote != nil && now.After(p.Quote.ActivationDeadline)
	case StateCompleted, StateCancelled:
		return p.WithdrawLiquidity && !p.NextAttemptAt.After(now)
	}
	return false
}
