package errs

import "errors"

// Code classifies a failure. Codes are stable and safe to expose to API clients.
type Code string

const (
	CodeInvalidAmount  Code = "INVALID_AMOUNT"
	CodeFeeOutOfBounds Code = "FEE_OUT_OF_BOUNDS"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeSystemPaused   Code = "SYSTEM_PAUSED"
	CodeUnknownRequest Code = "UNKNOWN_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidAddress Code = "INVALID_ADDRESS"
	CodeInvalidResult  Code = "INVALID_RESULT"
)

// Error is a precondition failure raised by the ledger, coordinator or registry.
// None of them are transient.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is reports whether target carries the same code, so the sentinels below match
// every message variant.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	InvalidAmount  = &Error{Code: CodeInvalidAmount}
	FeeOutOfBounds = &Error{Code: CodeFeeOutOfBounds}
	Unauthorized   = &Error{Code: CodeUnauthorized}
	SystemPaused   = &Error{Code: CodeSystemPaused}
	UnknownRequest = &Error{Code: CodeUnknownRequest}
	NotFound       = &Error{Code: CodeNotFound}
	InvalidAddress = &Error{Code: CodeInvalidAddress}
	InvalidResult  = &Error{Code: CodeInvalidResult}
)

// CodeOf extracts the classification of err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

const notOwner = "Ownable: caller is not the owner"

// NotOwner is returned by every owner-gated operation.
func NotOwner() *Error {
	return New(CodeUnauthorized, notOwner)
}

// Paused is returned by operations refused while the ledger is paused.
func Paused() *Error {
	return New(CodeSystemPaused, "Pausable: paused")
}
