package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	drovererrors "drover/internal/errors"
)

// ErrorKind is the closed set of provider failure modes.
type ErrorKind int

const (
	KindAuthError ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindInvalidRequest
	KindProviderUnavailable
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthError:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindInvalidRequest:
		return "invalid_request"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure. RetryAfterSeconds is set only for
// rate limits that carry a Retry-After hint.
type Error struct {
	Provider          string
	Kind              ErrorKind
	Message           string
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindProviderUnavailable:
		return true
	}
	return false
}

// NewError builds a classified provider error.
func NewError(providerName string, kind ErrorKind, message string, err error) *Error {
	return &Error{Provider: providerName, Kind: kind, Message: message, Err: err}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsKind reports whether err carries the given provider error kind.
func IsKind(err error, kind ErrorKind) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind == kind
}

// classifyHTTP maps an HTTP failure status to a provider error.
func classifyHTTP(providerName string, statusCode int, body string, retryAfterSeconds int) *Error {
	base := fmt.Errorf("HTTP %d: %s", statusCode, truncate(body, 512))
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewError(providerName, KindAuthError, "authentication failed, check the API key", base)
	case statusCode == http.StatusTooManyRequests:
		e := NewError(providerName, KindRateLimited, "rate limit reached", base)
		e.RetryAfterSeconds = retryAfterSeconds
		return e
	case statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound ||
		statusCode == http.StatusUnprocessableEntity:
		return NewError(providerName, KindInvalidRequest, "request rejected by the provider", base)
	case statusCode >= 500:
		return NewError(providerName, KindProviderUnavailable, "provider-side failure", base)
	default:
		return NewError(providerName, KindProviderUnavailable, "unexpected status", base)
	}
}

// classifyTransport maps transport-level failures (timeouts, cancellation,
// connection errors) to a provider error.
func classifyTransport(providerName string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(providerName, KindCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(providerName, KindTimeout, "request timed out", err)
	default:
		return NewError(providerName, KindProviderUnavailable, "transport failure", err)
	}
}

// Classify wraps a provider error into the retry layer's taxonomy so
// RetryWithResult makes the right call: rate limits carry their Retry-After
// hint, cancellation passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	pe, ok := AsError(err)
	if !ok {
		return err
	}
	switch {
	case pe.Kind == KindCancelled:
		return err
	case pe.Kind == KindRateLimited:
		return drovererrors.NewTransientErrorWithRetryAfter(err, pe.Message, pe.RetryAfterSeconds)
	case pe.Transient():
		return drovererrors.NewTransientError(err, pe.Message)
	default:
		return drovererrors.NewPermanentError(err, pe.Message)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
