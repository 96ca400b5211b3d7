package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadGateway      ErrorCode = "BAD_GATEWAY"
	ErrCodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeMessageTooLarge ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeSessionNotReady ErrorCode = "SESSION_NOT_READY"
	ErrCodeNotConfigured   ErrorCode = "SERVICE_NOT_CONFIGURED"
)

// Kind groups error codes by how the relay propagates them.
type Kind string

const (
	KindProtocol  Kind = "protocol"  // malformed upgrade, rejected before any state exists
	KindAuth      Kind = "auth"      // missing or invalid credential
	KindAdmission Kind = "admission" // frame rejected, connection kept open
	KindUpstream  Kind = "upstream"  // speech peer failure
	KindConfig    Kind = "config"    // missing secret, decided at startup
	KindOther     Kind = "other"
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

// Kind classifies the error code.
func (e *AppError) Kind() Kind {
	switch e.Code {
	case ErrCodeProtocol:
		return KindProtocol
	case ErrCodeUnauthorized:
		return KindAuth
	case ErrCodeRateLimit, ErrCodeMessageTooLarge, ErrCodeSessionNotReady:
		return KindAdmission
	case ErrCodeBadGateway:
		return KindUpstream
	case ErrCodeNotConfigured:
		return KindConfig
	default:
		return KindOther
	}
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

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewProtocolError(message string) *AppError {
	return NewAppError(ErrCodeProtocol, message, http.StatusBadRequest)
}

func NewNotConfiguredError(cause error) *AppError {
	return WrapError(cause, ErrCodeNotConfigured, "service not configured", http.StatusInternalServerError)
}

func NewUpstreamError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeBadGateway, message, http.StatusBadGateway)
}

func NewMessageTooLargeError(maxBytes int) *AppError {
	return NewAppError(ErrCodeMessageTooLarge,
		fmt.Sprintf("Message too large. Maximum size is %dKB", maxBytes/1024),
		http.StatusRequestEntityTooLarge).WithContext("max_bytes", maxBytes)
}

func NewRateLimitError(quota int, window string) *AppError {
	return NewAppError(ErrCodeRateLimit,
		fmt.Sprintf("Rate limit exceeded. Maximum %d messages per %s", quota, window),
		http.StatusTooManyRequests)
}

func NewSessionNotReadyError() *AppError {
	return NewAppError(ErrCodeSessionNotReady, "Session not ready", http.StatusConflict)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// KindOf returns the kind of the first AppError in the chain.
func KindOf(err error) Kind {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Kind()
	}
	return KindOther
}
