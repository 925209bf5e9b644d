package accounting

import "errors"

// Code identifies one member of the closed set of ledger failures. Callers
// branch on codes rather than matching error strings.
type Code string

const (
	CodeInvalidID           Code = "INVALID_ID"
	CodeZeroAmount          Code = "ZERO_AMOUNT"
	CodeSameAccount         Code = "SAME_ACCOUNT"
	CodeDifferentAssets     Code = "DIFFERENT_ASSETS"
	CodeDuplicateAccount    Code = "DUPLICATE_ACCOUNT"
	CodeDuplicateAsset      Code = "DUPLICATE_ASSET"
	CodeDuplicateTransfer   Code = "DUPLICATE_TRANSFER"
	CodeUnknownAccount      Code = "UNKNOWN_ACCOUNT"
	CodeUnknownAsset        Code = "UNKNOWN_ASSET"
	CodeUnknownTransfer     Code = "UNKNOWN_TRANSFER"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeAlreadyCommitted    Code = "ALREADY_COMMITTED"
	CodeAlreadyRolledBack   Code = "ALREADY_ROLLED_BACK"
	CodeTransferExpired     Code = "TRANSFER_EXPIRED"
)

// Error is the ledger's only error type. Index is the offset of the failing
// leg when the failure happened inside a multi-transfer batch, -1 otherwise.
type Error struct {
	Code  Code
	Index int
}

func (e *Error) Error() string {
	return string(e.Code)
}

func newError(code Code) *Error {
	return &Error{Code: code, Index: -1}
}

// CodeOf extracts the ledger code from err, or "" if err is not a ledger
// error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is a ledger error carrying the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
