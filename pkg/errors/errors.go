package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Relay protocol codes, sent back to the client in error frames.
	ErrCodeMalformedFrame   ErrorCode = "MALFORMED_FRAME"
	ErrCodeMissingField     ErrorCode = "MISSING_FIELD"
	ErrCodeUnknownTarget    ErrorCode = "UNKNOWN_TARGET"
	ErrCodeIdentityConflict ErrorCode = "IDENTITY_CONFLICT"
	ErrCodeMessageTooLarge  ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeNotAnnounced     ErrorCode = "NOT_ANNOUNCED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewMalformedFrameError reports a frame that could not be decoded as an envelope.
func NewMalformedFrameError(cause error) *AppError {
	return WrapError(cause, ErrCodeMalformedFrame, fmt.Sprintf("malformed frame: %v", cause), http.StatusBadRequest)
}

func NewMissingFieldError(field string) *AppError {
	return NewAppError(ErrCodeMissingField, fmt.Sprintf("missing required field: %s", field), http.StatusBadRequest).
		WithContext("field", field)
}

func NewUnknownTargetError(target string) *AppError {
	return NewAppError(ErrCodeUnknownTarget, fmt.Sprintf("unknown target: %s", target), http.StatusNotFound).
		WithContext("to", target)
}

// NewIdentityConflictError is returned when an announced connection tries to
// switch to a different participant id.
func NewIdentityConflictError(current, requested string) *AppError {
	return NewAppError(ErrCodeIdentityConflict,
		fmt.Sprintf("connection already announced as %s, cannot announce as %s", current, requested),
		http.StatusConflict).
		WithContext("current", current).
		WithContext("requested", requested)
}

// NewNotAnnouncedError rejects relaying from a connection without an identity.
func NewNotAnnouncedError() *AppError {
	return NewAppError(ErrCodeNotAnnounced, "announce required before sending messages", http.StatusForbidden)
}

func NewMessageTooLargeError(limit int64) *AppError {
	return NewAppError(ErrCodeMessageTooLarge, fmt.Sprintf("message exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the error code carried by err, or ErrCodeInternal when err is
// not an AppError.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
