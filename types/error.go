package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the fabric.
type ErrorCode string

// Event fabric error codes
const (
	ErrInvalidEvent ErrorCode = "INVALID_EVENT"
	ErrHandlerError ErrorCode = "HANDLER_ERROR"
)

// Access control error codes. Denial itself is a normal result carried in
// access.Decision, never an error; these cover registry misuse only.
const (
	ErrPrincipalExists  ErrorCode = "PRINCIPAL_EXISTS"
	ErrUnknownPrincipal ErrorCode = "UNKNOWN_PRINCIPAL"
	ErrUnknownRole      ErrorCode = "UNKNOWN_ROLE"
)

// Provider error codes
const (
	ErrProviderTransient ErrorCode = "PROVIDER_TRANSIENT"
	ErrProviderPermanent ErrorCode = "PROVIDER_PERMANENT"
	ErrChainExhausted    ErrorCode = "CHAIN_EXHAUSTED"
)

// Validator and consensus error codes
const (
	ErrValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrConsensusTimeout  ErrorCode = "CONSENSUS_TIMEOUT"
	ErrSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionClosed     ErrorCode = "SESSION_CLOSED"
	ErrVoteRejected      ErrorCode = "VOTE_REJECTED"
	ErrUnknownOption     ErrorCode = "UNKNOWN_OPTION"
)

// Orchestrator error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrHandoffNotFound  ErrorCode = "HANDOFF_NOT_FOUND"
	ErrHandoffCancelled ErrorCode = "HANDOFF_CANCELLED"
	ErrAccessDenied     ErrorCode = "ACCESS_DENIED"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err carries a retryable *Error anywhere in
// its chain.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain. Returns the
// empty code when err is not a *Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
