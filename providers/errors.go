package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeml/mediaflow/types"
)

// MapHTTPError classifies a provider HTTP error response into the
// taxonomy. msg is the provider's error body, kept verbatim for
// diagnostics. retryAfter is the parsed Retry-After hint, zero if absent.
func MapHTTPError(status int, msg, provider string, retryAfter time.Duration) *types.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrAuthenticationFailed, msg).
			WithHTTPStatus(status).WithProvider(provider)

	case status == http.StatusPaymentRequired || looksLikeQuota(msg):
		return types.NewError(types.ErrQuotaExceeded, msg).
			WithHTTPStatus(status).WithProvider(provider)

	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(status).WithProvider(provider).WithRetryAfter(retryAfter)

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return types.NewError(types.ErrInvalidRequest, msg).
			WithHTTPStatus(status).WithProvider(provider)

	case status == http.StatusServiceUnavailable:
		return types.NewError(types.ErrProviderUnavailable, msg).
			WithHTTPStatus(status).WithProvider(provider)

	case status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrProviderTimeout, msg).
			WithHTTPStatus(status).WithProvider(provider)

	case status >= 500:
		return types.NewError(types.ErrProviderError, msg).
			WithHTTPStatus(status).WithProvider(provider)

	default:
		// Unrecognized conditions fail closed rather than retry forever.
		return types.NewError(types.ErrInternal, msg).
			WithHTTPStatus(status).WithProvider(provider)
	}
}

// looksLikeQuota catches providers that report exhausted credit through a
// 400-level body instead of a 402.
func looksLikeQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "credit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "insufficient balance")
}

// ClassifyTransportError maps a failed round-trip (no HTTP response at
// all) into the taxonomy: timeouts are retryable provider timeouts,
// refused connections and DNS failures mean the provider is unavailable,
// anything else fails closed.
func ClassifyTransportError(err error, provider string) *types.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrTaskCancelled, "request cancelled").
			WithProvider(provider).WithCause(err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrProviderTimeout, "provider call timed out").
			WithProvider(provider).WithCause(err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.NewError(types.ErrProviderUnavailable, "provider host unresolvable").
			WithProvider(provider).WithCause(err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.NewError(types.ErrProviderUnavailable, "provider connection failed").
			WithProvider(provider).WithCause(err)
	}

	return types.NewError(types.ErrInternal, "unclassified transport failure").
		WithProvider(provider).WithCause(err)
}

// ParseRetryAfter reads a Retry-After header value, accepting the
// delta-seconds form. HTTP-date values are ignored; a backoff schedule
// already covers that case.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
