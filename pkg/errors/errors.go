// Package errors defines unified error types for routing operations.
// Whatever an executor returns is mapped onto this taxonomy before the
// router acts on it.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a routing error. The router's retry loop branches on
// the kind, never on provider-specific error shapes.
type Kind string

const (
	// KindRateLimited means the backend signaled quota exhaustion (429-equivalent).
	KindRateLimited Kind = "rate_limited"

	// KindServerError means a backend-side failure (5xx-equivalent).
	KindServerError Kind = "server_error"

	// KindTimeout means the dispatch exceeded its allotted time.
	KindTimeout Kind = "timeout"

	// KindInvalidRequest means caller-side malformed input. Non-retryable;
	// the deployment is not at fault and is not cooled down.
	KindInvalidRequest Kind = "invalid_request"

	// KindUnknownModelGroup means the requested model group is not configured.
	KindUnknownModelGroup Kind = "unknown_model_group"

	// KindAllDeploymentsUnavailable means every candidate was filtered out
	// before any dispatch was made.
	KindAllDeploymentsUnavailable Kind = "all_deployments_unavailable"

	// KindExhaustedRetries means every candidate was tried and failed.
	KindExhaustedRetries Kind = "exhausted_retries"
)

// RouteError is the standardized error for all routing operations.
type RouteError struct {
	Kind         Kind          `json:"kind"`
	StatusCode   int           `json:"status_code,omitempty"`
	Message      string        `json:"message"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	Retryable    bool          `json:"-"`
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.DeploymentID != "" {
		return fmt.Sprintf("[%s] %s (deployment=%s, code=%d)",
			e.Kind, e.Message, e.DeploymentID, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *RouteError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindInvalidRequest, KindUnknownModelGroup:
		return http.StatusBadRequest
	case KindAllDeploymentsUnavailable, KindExhaustedRetries:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NewRateLimitError creates a rate limit error (429). retryAfter carries the
// provider-supplied hint, zero when absent.
func NewRateLimitError(deploymentID, message string, retryAfter time.Duration) *RouteError {
	return &RouteError{
		Kind:         KindRateLimited,
		StatusCode:   http.StatusTooManyRequests,
		Message:      message,
		DeploymentID: deploymentID,
		RetryAfter:   retryAfter,
		Retryable:    true,
	}
}

// NewServerError creates a backend failure error (503).
func NewServerError(deploymentID, message string) *RouteError {
	return &RouteError{
		Kind:         KindServerError,
		StatusCode:   http.StatusServiceUnavailable,
		Message:      message,
		DeploymentID: deploymentID,
		Retryable:    true,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(deploymentID, message string) *RouteError {
	return &RouteError{
		Kind:         KindTimeout,
		StatusCode:   http.StatusRequestTimeout,
		Message:      message,
		DeploymentID: deploymentID,
		Retryable:    true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(deploymentID, message string) *RouteError {
	return &RouteError{
		Kind:         KindInvalidRequest,
		StatusCode:   http.StatusBadRequest,
		Message:      message,
		DeploymentID: deploymentID,
		Retryable:    false,
	}
}

// NewUnknownModelGroupError creates a configuration error for an unresolved group.
func NewUnknownModelGroupError(group string) *RouteError {
	return &RouteError{
		Kind:      KindUnknownModelGroup,
		Message:   fmt.Sprintf("model group %q is not configured", group),
		Retryable: false,
	}
}

// FromStatusCode maps an HTTP-style status code to a RouteError.
// 429 becomes rate-limited, 408/504 timeout, other 4xx invalid request,
// 5xx server error.
func FromStatusCode(statusCode int, deploymentID, message string) *RouteError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(deploymentID, message, 0)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return NewTimeoutError(deploymentID, message)
	case statusCode >= 400 && statusCode < 500:
		return NewInvalidRequestError(deploymentID, message)
	default:
		return NewServerError(deploymentID, message)
	}
}

// Classify maps an arbitrary executor error onto the taxonomy.
// A *RouteError passes through unchanged. Context deadline errors become
// timeouts. Anything else is treated as a retryable server error so the
// router exhausts alternatives before surfacing it.
func Classify(err error, deploymentID string) *RouteError {
	if err == nil {
		return nil
	}
	var re *RouteError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTimeoutError(deploymentID, err.Error())
	}
	return NewServerError(deploymentID, err.Error())
}

// IsRetryable reports whether the router may try another deployment after
// seeing this error. Unclassified errors are assumed transient.
func IsRetryable(err error) bool {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}
