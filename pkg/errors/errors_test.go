package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatusCode(t *testing.T) {
	cases := []struct {
		code      int
		wantKind  Kind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusBadRequest, KindInvalidRequest, false},
		{http.StatusUnauthorized, KindInvalidRequest, false},
		{http.StatusInternalServerError, KindServerError, true},
		{http.StatusServiceUnavailable, KindServerError, true},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.code), func(t *testing.T) {
			e := FromStatusCode(tc.code, "dep-a", "boom")
			assert.Equal(t, tc.wantKind, e.Kind)
			assert.Equal(t, tc.retryable, e.Retryable)
			assert.Equal(t, "dep-a", e.DeploymentID)
		})
	}
}

func TestClassify(t *testing.T) {
	// A RouteError passes through untouched, retry-after hint included.
	orig := NewRateLimitError("dep-a", "quota", 30*time.Second)
	got := Classify(fmt.Errorf("wrapped: %w", orig), "ignored")
	assert.Same(t, orig, got)

	// Context errors become timeouts.
	got = Classify(context.DeadlineExceeded, "dep-b")
	assert.Equal(t, KindTimeout, got.Kind)
	assert.Equal(t, "dep-b", got.DeploymentID)

	// Anything else is a retryable server error.
	got = Classify(fmt.Errorf("connection reset"), "dep-c")
	assert.Equal(t, KindServerError, got.Kind)
	assert.True(t, got.Retryable)

	assert.Nil(t, Classify(nil, "dep-d"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewServerError("dep", "boom")))
	assert.True(t, IsRetryable(NewTimeoutError("dep", "slow")))
	assert.False(t, IsRetryable(NewInvalidRequestError("dep", "bad")))
	assert.False(t, IsRetryable(NewUnknownModelGroupError("g")))
	// Unclassified errors are assumed transient.
	assert.True(t, IsRetryable(fmt.Errorf("unknown")))
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, NewRateLimitError("d", "m", 0).HTTPStatusCode())
	assert.Equal(t, http.StatusBadRequest, NewUnknownModelGroupError("g").HTTPStatusCode())

	e := &RouteError{Kind: KindExhaustedRetries, Message: "m"}
	assert.Equal(t, http.StatusServiceUnavailable, e.HTTPStatusCode())
}

func TestErrorString(t *testing.T) {
	e := NewServerError("dep-a", "backend exploded")
	require.Contains(t, e.Error(), "server_error")
	require.Contains(t, e.Error(), "dep-a")
}
