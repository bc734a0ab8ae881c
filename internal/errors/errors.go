package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrAccessDenied         = errors.New("access denied")
	ErrInvalidJustification = errors.New("invalid justification")
	ErrMalformedRequest     = errors.New("malformed request")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrTokenVerification    = errors.New("token verification failed")
	ErrTransient            = errors.New("transient backend error")
	ErrInternalError        = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAccessDenied      ErrorType = "access_denied"
	ErrorTypeJustification     ErrorType = "justification"
	ErrorTypeMalformedRequest  ErrorType = "malformed_request"
	ErrorTypeNotAuthenticated  ErrorType = "not_authenticated"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeTokenVerification ErrorType = "token_verification"
	ErrorTypeTransient         ErrorType = "transient"
	ErrorTypeInternal          ErrorType = "internal"
)

// BrokerError is a structured error for catalog and activation operations
type BrokerError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "find_entitlements", "activate")
	Resource   string // Resource the operation acted on (project, role, group)
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *BrokerError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BrokerError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	switch target {
	case ErrAccessDenied:
		return e.Type == ErrorTypeAccessDenied
	case ErrInvalidJustification:
		return e.Type == ErrorTypeJustification
	case ErrMalformedRequest:
		return e.Type == ErrorTypeMalformedRequest
	case ErrNotAuthenticated:
		return e.Type == ErrorTypeNotAuthenticated
	case ErrResourceNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTokenVerification:
		return e.Type == ErrorTypeTokenVerification
	case ErrTransient:
		return e.Type == ErrorTypeTransient
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// NewBrokerError creates a new BrokerError
func NewBrokerError(errorType ErrorType, op, resource string, err error) *BrokerError {
	return &BrokerError{
		Type:      errorType,
		Op:        op,
		Resource:  resource,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *BrokerError) WithStatusCode(code int) *BrokerError {
	e.StatusCode = code
	// Update retryable based on status code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransient:
		return true
	default:
		return false
	}
}

// Helper functions

// AccessDenied wraps an error as an access-denied failure
func AccessDenied(op, resource string, err error) error {
	return NewBrokerError(ErrorTypeAccessDenied, op, resource, err).WithStatusCode(403)
}

// AccessDeniedf creates an access-denied failure from a format string
func AccessDeniedf(op, resource, format string, args ...any) error {
	return AccessDenied(op, resource, fmt.Errorf(format, args...))
}

// InvalidJustification wraps an error as a justification failure
func InvalidJustification(op string, err error) error {
	return NewBrokerError(ErrorTypeJustification, op, "", err).WithStatusCode(400)
}

// MalformedRequest wraps an error as a malformed-request failure
func MalformedRequest(op string, err error) error {
	return NewBrokerError(ErrorTypeMalformedRequest, op, "", err).WithStatusCode(400)
}

// MalformedRequestf creates a malformed-request failure from a format string
func MalformedRequestf(op, format string, args ...any) error {
	return MalformedRequest(op, fmt.Errorf(format, args...))
}

// NotAuthenticated wraps an error as an authentication failure
func NotAuthenticated(op string, err error) error {
	return NewBrokerError(ErrorTypeNotAuthenticated, op, "", err).WithStatusCode(401)
}

// NotFound wraps an error as a missing-resource failure
func NotFound(op, resource string, err error) error {
	return NewBrokerError(ErrorTypeNotFound, op, resource, err).WithStatusCode(404)
}

// TokenVerification wraps an error as a token verification failure.
// The underlying cause stays wrapped for logs; callers surface only the
// generic message.
func TokenVerification(op string, err error) error {
	return NewBrokerError(ErrorTypeTokenVerification, op, "", err).WithStatusCode(403)
}

// Transient wraps a backend error that is safe to retry
func Transient(op, resource string, err error) error {
	return NewBrokerError(ErrorTypeTransient, op, resource, err).WithStatusCode(502)
}

// Internal wraps an unexpected failure
func Internal(op string, err error) error {
	return NewBrokerError(ErrorTypeInternal, op, "", err).WithStatusCode(500)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Retryable
	}
	return errors.Is(err, ErrTransient)
}

// IsAccessError checks if an error denies access, either by type or by
// the status code reported by a backend.
func IsAccessError(err error) bool {
	if err == nil {
		return false
	}

	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		if brokerErr.Type == ErrorTypeAccessDenied || brokerErr.Type == ErrorTypeNotAuthenticated {
			return true
		}
		if brokerErr.StatusCode == 401 || brokerErr.StatusCode == 403 {
			return true
		}
	}

	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotAuthenticated) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "PERMISSION_DENIED") ||
		strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden")
}

// HTTPStatus maps an error to the status code the API should return
func HTTPStatus(err error) int {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) && brokerErr.StatusCode != 0 {
		return brokerErr.StatusCode
	}
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return 401
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrTokenVerification):
		return 403
	case errors.Is(err, ErrResourceNotFound):
		return 404
	case errors.Is(err, ErrInvalidJustification), errors.Is(err, ErrMalformedRequest):
		return 400
	case errors.Is(err, ErrTransient):
		return 502
	default:
		return 500
	}
}
