package providers

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forgeml/mediaflow/types"
)

func TestMapHTTPError_StatusTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		msg       string
		wantKind  types.ErrorKind
		retryable bool
	}{
		{401, "bad key", types.ErrAuthenticationFailed, false},
		{403, "forbidden", types.ErrAuthenticationFailed, false},
		{402, "payment required", types.ErrQuotaExceeded, false},
		{400, "insufficient credit remaining", types.ErrQuotaExceeded, false},
		{400, "prompt too long", types.ErrInvalidRequest, false},
		{422, "unprocessable", types.ErrInvalidRequest, false},
		{429, "slow down", types.ErrRateLimited, true},
		{500, "internal", types.ErrProviderError, true},
		{502, "bad gateway", types.ErrProviderError, true},
		{503, "maintenance", types.ErrProviderUnavailable, true},
		{504, "upstream timeout", types.ErrProviderTimeout, true},
		{418, "teapot", types.ErrInternal, false},
	}

	for _, c := range cases {
		e := MapHTTPError(c.status, c.msg, "test", 0)
		assert.Equal(t, c.wantKind, e.Kind, "status %d %q", c.status, c.msg)
		assert.Equal(t, c.retryable, e.Retryable, "status %d retryability", c.status)
		assert.Equal(t, c.status, e.HTTPStatus)
		assert.Equal(t, "test", e.Provider)
	}
}

func TestMapHTTPError_RetryAfterHint(t *testing.T) {
	t.Parallel()

	e := MapHTTPError(429, "rate limited", "flux", 7*time.Second)
	assert.Equal(t, types.ErrRateLimited, e.Kind)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		wantKind  types.ErrorKind
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, types.ErrProviderTimeout, true},
		{"net timeout", timeoutErr{}, types.ErrProviderTimeout, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.nowhere"}, types.ErrProviderUnavailable, true},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, types.ErrProviderUnavailable, true},
		{"cancelled", context.Canceled, types.ErrTaskCancelled, false},
		{"unknown", errors.New("gremlins"), types.ErrInternal, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := ClassifyTransportError(c.err, "p")
			assert.Equal(t, c.wantKind, e.Kind)
			assert.Equal(t, c.retryable, e.Retryable)
			assert.True(t, errors.Is(e, c.err))
		})
	}

	assert.Nil(t, ClassifyTransportError(nil, "p"))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, ParseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
}
