package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure into one of a closed set of semantic kinds.
// The kind alone determines default retryability; callers never branch on
// message strings.
type ErrorKind string

// Request-side kinds (never retried).
const (
	ErrInvalidRequest       ErrorKind = "INVALID_REQUEST"
	ErrInvalidParameters    ErrorKind = "INVALID_PARAMETERS"
	ErrAuthenticationFailed ErrorKind = "AUTHENTICATION_FAILED"
	ErrQuotaExceeded        ErrorKind = "QUOTA_EXCEEDED"
)

// Provider-side kinds (transient, retryable).
const (
	ErrRateLimited         ErrorKind = "RATE_LIMITED"
	ErrProviderError       ErrorKind = "PROVIDER_ERROR"
	ErrProviderUnavailable ErrorKind = "PROVIDER_UNAVAILABLE"
	ErrProviderTimeout     ErrorKind = "PROVIDER_TIMEOUT"
	ErrS3UploadFailed      ErrorKind = "S3_UPLOAD_FAILED"
)

// Terminal task kinds (non-retryable).
const (
	ErrTaskTimeout   ErrorKind = "TASK_TIMEOUT"
	ErrTaskFailed    ErrorKind = "TASK_FAILED"
	ErrTaskCancelled ErrorKind = "TASK_CANCELLED"
	ErrInternal      ErrorKind = "INTERNAL_ERROR"
)

// retryableKinds is the closed set of kinds eligible for automatic retry.
// Anything not listed here fails closed.
var retryableKinds = map[ErrorKind]bool{
	ErrRateLimited:         true,
	ErrProviderError:       true,
	ErrProviderUnavailable: true,
	ErrProviderTimeout:     true,
	ErrS3UploadFailed:      true,
}

// DefaultRetryable reports whether the kind is retryable by default.
func (k ErrorKind) DefaultRetryable() bool { return retryableKinds[k] }

// Error is a structured error carrying a semantic kind, retryability,
// and the raw provider detail for diagnostics.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // provider hint, e.g. from a 429
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the kind's default retryability.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.DefaultRetryable()}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the upstream HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryable overrides the kind's default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records a provider-supplied backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsRetryable reports whether err is a retryable *Error.
// Unclassified errors are not retryable: unknown conditions fail closed.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind, or ErrInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// AsError returns err as a classified *Error, wrapping unclassified errors
// into a non-retryable internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrInternal, err.Error()).WithCause(err)
}
