// Package core defines sentinel errors.
package core

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeCSRFMismatch     ErrorCode = "CSRF_MISMATCH"
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	CodeSignatureReplay  ErrorCode = "SIGNATURE_REPLAY"
	CodeSeatUnavailable  ErrorCode = "SEAT_UNAVAILABLE"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeThreatBlocked    ErrorCode = "THREAT_BLOCKED"
	CodeAuditUnavailable ErrorCode = "AUDIT_UNAVAILABLE"
	CodeConfiguration    ErrorCode = "CONFIGURATION_ERROR"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidInput indicates validation failures on request shape.
var ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrRateLimited indicates a rejected request under an exhausted window.
var ErrRateLimited = &AppError{Code: CodeRateLimited, Message: "rate limit exceeded"}

// ErrCSRFMismatch indicates a missing or mismatched CSRF token pair.
var ErrCSRFMismatch = &AppError{Code: CodeCSRFMismatch, Message: "request could not be verified"}

// ErrSignatureInvalid indicates a webhook signature that did not verify.
var ErrSignatureInvalid = &AppError{Code: CodeSignatureInvalid, Message: "signature verification failed"}

// ErrSignatureReplay indicates a webhook timestamp outside the replay tolerance.
var ErrSignatureReplay = &AppError{Code: CodeSignatureReplay, Message: "signature verification failed"}

// ErrSeatUnavailable indicates an exhausted wave. User visible, not a server error.
var ErrSeatUnavailable = &AppError{Code: CodeSeatUnavailable, Message: "sold out"}

// ErrValidationFailed indicates a payload that failed schema validation.
var ErrValidationFailed = &AppError{Code: CodeValidationFailed, Message: "validation failed"}

// ErrNotFound indicates missing resources.
var ErrNotFound = &AppError{Code: CodeNotFound, Message: "not found"}

// ErrConflict indicates optimistic concurrency conflicts.
var ErrConflict = &AppError{Code: CodeConflict, Message: "conflict"}

// ErrUnauthorized indicates failed admin authorization.
var ErrUnauthorized = &AppError{Code: CodeUnauthorized, Message: "unauthorized"}
