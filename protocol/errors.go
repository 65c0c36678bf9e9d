package protocol

import (
	"errors"
	"fmt"
)

// Code classifies every error this system surfaces to a caller.
type Code string

const (
	CodeMalformed         Code = "malformed"
	CodeUnauthorized      Code = "unauthorized"
	CodeTimeout           Code = "timeout"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeConstructionError Code = "construction_error"
	CodeSignatureMismatch Code = "signature_mismatch"
	CodeStaleBalance      Code = "stale_balance"
	CodeBroadcastRejected Code = "broadcast_rejected"
	CodeExpired           Code = "expired"
	CodeInternal          Code = "internal"
)

// Error is the taxonomy error carried across the wire and returned to
// callers. RequestID correlates the failure with the originating
// request; it is empty only when decoding failed before the request
// identifier could be recovered.
type Error struct {
	Code      Code
	RequestID string
	Detail    string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewError builds a taxonomy error.
func NewError(code Code, requestID, detail string) *Error {
	return &Error{Code: code, RequestID: requestID, Detail: detail}
}

// Errorf builds a taxonomy error with a formatted detail message.
func Errorf(code Code, requestID, format string, args ...any) *Error {
	return &Error{Code: code, RequestID: requestID, Detail: fmt.Sprintf(format, args...)}
}

// AsError extracts a taxonomy error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or CodeInternal when err is
// not a taxonomy error.
func CodeOf(err error) Code {
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return CodeInternal
}
