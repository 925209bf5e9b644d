package payments

import (
	"errors"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/payclient"
	"github.com/punchamoorthee/payflow/internal/rates"
)

// Service-surface errors, returned synchronously to API callers.
var (
	ErrNotFound      = errors.New("payment not found")
	ErrWrongState    = errors.New("operation not allowed in current payment state")
	ErrInvalidIntent = errors.New("intent must be exactly one of fixed-send or fixed-delivery")
	ErrQuoteExpired  = errors.New("quote activation deadline has passed")
)

// Lifecycle error codes recorded on the payment row. Protocol codes from the
// payment client pass through verbatim.
const (
	CodeRatesUnavailable        = "RATES_UNAVAILABLE"
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeDestinationAssetDrifted = "DESTINATION_ASSET_CONFLICT"
	CodeQuoteExpired            = "QUOTE_EXPIRED"
	CodeIncompletePayment       = "INCOMPLETE_PAYMENT"
	CodeMaxAttemptsExceeded     = "MAX_ATTEMPTS_EXCEEDED"
	CodeCancelledByAPI          = "CANCELLED_BY_API"
	CodeInvalidDestination      = "INVALID_DESTINATION"
	CodeUnknown                 = "UNKNOWN_ERROR"
)

// lifecycleError tags a handler failure with its payment error code so the
// retry policy can classify it without string matching on messages.
type lifecycleError struct {
	code string
	err  error
}

func (e *lifecycleError) Error() string {
	if e.err != nil {
		return e.code + ": " + e.err.Error()
	}
	return e.code
}

func (e *lifecycleError) Unwrap() error {
	return e.err
}

func failCode(code string) error {
	return &lifecycleError{code: code}
}

func failWith(code string, err error) error {
	return &lifecycleError{code: code, err: err}
}

// classify maps any handler error onto a payment error code.
func classify(err error) string {
	var lerr *lifecycleError
	if errors.As(err, &lerr) {
		return lerr.code
	}
	if code := payclient.CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, rates.ErrUnavailable) {
		return CodeRatesUnavailable
	}
	if accounting.IsCode(err, accounting.CodeInsufficientBalance) {
		return CodeInsufficientBalance
	}
	return CodeUnknown
}

// retryableCodes is the fixed set of conditions worth another attempt:
// transient protocol failures, missing prices, and funds that have not
// arrived yet. Everything else cancels the payment.
var retryableCodes = map[string]bool{
	CodeRatesUnavailable:                   true,
	CodeInsufficientBalance:                true,
	CodeIncompletePayment:                  true,
	string(payclient.CodeIdleTimeout):      true,
	string(payclient.CodeConnectorError):   true,
	string(payclient.CodeRateProbeFailed):  true,
	string(payclient.CodePriceUnavailable): true,
}

func retryable(code string) bool {
	return retryableCodes[code]
}
