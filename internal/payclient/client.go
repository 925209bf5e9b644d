// Package payclient abstracts the packet-based payment protocol used to push
// value to a receiver. The lifecycle engine only sees this interface; the
// wire protocol itself lives behind it.
package payclient

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Destination describes a resolved receiver. IncomingAmount and
// ReceivedAmount are set for invoices (fixed-delivery targets) and nil for
// open payment pointers.
type Destination struct {
	URL            string
	AssetCode      string
	AssetScale     uint8
	IncomingAmount *uint64
	ReceivedAmount *uint64
}

// Quote is the result of a rate probe against the destination. Rates are
// destination units per source unit, scale-adjusted.
type Quote struct {
	LowRate         decimal.Decimal
	HighRate        decimal.Decimal
	MaxPacketAmount uint64
}

// PayRequest bounds one pay invocation.
type PayRequest struct {
	Destination       *Destination
	SourceCode        string
	SourceScale       uint8
	MaxSourceAmount   uint64
	MinDeliveryAmount uint64
	MaxPacketAmount   uint64
	MinExchangeRate   decimal.Decimal
}

// Receipt reports what actually moved. It accompanies errors too: a pay can
// fail after partial delivery, and the caller must account for what was sent.
type Receipt struct {
	AmountSent      uint64
	AmountDelivered uint64
}

type Client interface {
	// SetupPayment resolves the receiver descriptor and returns the pinned
	// destination, including its asset and any invoice amounts.
	SetupPayment(ctx context.Context, receiver string) (*Destination, error)
	// Quote probes the destination for achievable exchange rates.
	Quote(ctx context.Context, destination *Destination, sourceCode string, sourceScale uint8, prices map[string]decimal.Decimal) (*Quote, error)
	// Pay pushes value within the request bounds. The receipt is never nil.
	Pay(ctx context.Context, req PayRequest) (*Receipt, error)
}

// ProtocolCode is the closed set of protocol failure classes.
type ProtocolCode string

const (
	CodeIdleTimeout        ProtocolCode = "IDLE_TIMEOUT"
	CodeConnectorError     ProtocolCode = "CONNECTOR_ERROR"
	CodeRateProbeFailed    ProtocolCode = "RATE_PROBE_FAILED"
	CodePriceUnavailable   ProtocolCode = "PRICE_UNAVAILABLE"
	CodeInvalidDestination ProtocolCode = "INVALID_DESTINATION"
	CodeReceiverViolation  ProtocolCode = "RECEIVER_PROTOCOL_VIOLATION"
)

type ProtocolError struct {
	Code    ProtocolCode
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// retryableCodes is fixed: timeouts, transient connector failures and
// missing prices may clear up on their own. Everything else is fatal.
var retryableCodes = map[ProtocolCode]bool{
	CodeIdleTimeout:      true,
	CodeConnectorError:   true,
	CodeRateProbeFailed:  true,
	CodePriceUnavailable: true,
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return retryableCodes[perr.Code]
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CodeOf extracts the protocol code, or "" for non-protocol errors.
func CodeOf(err error) ProtocolCode {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
