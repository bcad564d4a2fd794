// Package types defines the public boundary types for the routing engine.
// Payloads are opaque to the router; only identifiers, limits, and usage
// figures are interpreted.
package types

import "time"

// Metric identifies a rate-limited usage dimension for a deployment.
type Metric string

const (
	// MetricRequests counts routed requests per window.
	MetricRequests Metric = "requests"

	// MetricTokens counts consumed tokens per window.
	MetricTokens Metric = "tokens"
)

// Deployment represents one concrete backend target inside a model group.
// Capacity limits and weight are immutable after registration; only usage
// counters and cooldown state mutate over the deployment's lifetime.
type Deployment struct {
	// ID uniquely identifies the deployment across all groups.
	ID string `json:"id" yaml:"id"`

	// Group is the owning model group name.
	Group string `json:"group" yaml:"group"`

	// Weight is the relative selection priority for weighted strategies.
	// Zero is normalized to 1 at registration.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// RPMLimit caps requests per minute. 0 means unbounded.
	RPMLimit int64 `json:"rpm_limit,omitempty" yaml:"rpm_limit,omitempty"`

	// TPMLimit caps tokens per minute. 0 means unbounded.
	TPMLimit int64 `json:"tpm_limit,omitempty" yaml:"tpm_limit,omitempty"`
}

// Usage reports token consumption from a completed executor call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RoutingRequest is the caller-supplied unit of work. It is immutable once
// submitted to the router.
type RoutingRequest struct {
	// Group names the target model group.
	Group string

	// Payload is passed through to the executor untouched.
	Payload any

	// EstimatedTokens is a cost hint used for the token-capacity pre-check.
	// Zero disables the token pre-check for this request.
	EstimatedTokens int64
}

// Response wraps an executor's opaque result and its reported usage.
type Response struct {
	// Payload is the executor's opaque response body.
	Payload any

	// Usage is the actual token consumption when the executor reports it;
	// nil means the router falls back to the request's estimate.
	Usage *Usage
}

// Attempt records one dispatch inside a single routing call.
type Attempt struct {
	DeploymentID string        `json:"deployment_id"`
	Group        string        `json:"group"`
	Err          error         `json:"-"`
	Latency      time.Duration `json:"latency"`
}

// ExclusionReason explains why the admission filter dropped a candidate.
type ExclusionReason string

const (
	// ExcludedCoolingDown means the deployment is in a cooldown window.
	ExcludedCoolingDown ExclusionReason = "cooling_down"

	// ExcludedRequestLimit means the request-rate window has no headroom.
	ExcludedRequestLimit ExclusionReason = "over_request_limit"

	// ExcludedTokenLimit means the token window cannot fit the estimate.
	ExcludedTokenLimit ExclusionReason = "over_token_limit"
)

// Exclusion pairs a filtered-out deployment with the reason it was dropped.
type Exclusion struct {
	DeploymentID string          `json:"deployment_id"`
	Reason       ExclusionReason `json:"reason"`
}

// RoutingOutcome is the terminal result of one Route call: either a response
// plus the deployment that served it, or a classified failure with the full
// attempt history.
type RoutingOutcome struct {
	// Response is non-nil on success.
	Response *Response

	// DeploymentID names the deployment that served the request.
	DeploymentID string

	// Attempts lists every dispatch made, in order.
	Attempts []Attempt

	// Excluded lists candidates dropped by the admission filter, for
	// observability when no deployment was available.
	Excluded []Exclusion
}
