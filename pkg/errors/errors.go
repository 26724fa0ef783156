package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeSessionInvalid ErrorCode = "SESSION_INVALID"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeSinkFailure    ErrorCode = "SINK_FAILURE"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

var httpStatusByCode = map[ErrorCode]int{
	ErrCodeInvalidConfig:  http.StatusBadRequest,
	ErrCodeInvalidInput:   http.StatusBadRequest,
	ErrCodeSessionInvalid: http.StatusConflict,
	ErrCodeNotStarted:     http.StatusConflict,
	ErrCodeSinkFailure:    http.StatusBadGateway,
	ErrCodeNotFound:       http.StatusNotFound,
	ErrCodeUnavailable:    http.StatusServiceUnavailable,
	ErrCodeRateLimited:    http.StatusTooManyRequests,
	ErrCodeInternal:       http.StatusInternalServerError,
}

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
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

// HTTPStatus maps the error code to a response status
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
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
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

func NewInvalidConfigError(message string) *AppError {
	return NewAppError(ErrCodeInvalidConfig, message)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewNotStartedError(component string) *AppError {
	return NewAppError(ErrCodeNotStarted, fmt.Sprintf("%s not started", component))
}

func NewUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeUnavailable, message)
}

// NewRateLimitedError carries the wait until the next request would be
// admitted as retry_after_ms.
func NewRateLimitedError(retryAfter time.Duration) *AppError {
	return NewAppError(ErrCodeRateLimited, "rate limit exceeded").
		WithContext("retry_after_ms", retryAfter.Milliseconds())
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// IsAppError checks if the error chain contains an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether the chain contains an AppError with code
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
