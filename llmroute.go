// Package llmroute is the routing and resilience engine for a multi-backend
// LLM gateway. It resolves a model group to its candidate deployments,
// filters out cooling-down and over-capacity targets, picks one with a
// configurable strategy, dispatches through an adapter-owned Executor, and
// recovers from failures with cooldowns, bounded retries, and fallback
// groups.
//
// The router holds all mutable state explicitly: construct one with New or
// NewFromConfig and hand it to request handlers. There are no package-level
// singletons.
package llmroute

import (
	"context"
	"log/slog"

	"github.com/blueberrycongee/llmroute/internal/backoff"
	"github.com/blueberrycongee/llmroute/internal/config"
	"github.com/blueberrycongee/llmroute/internal/cooldown"
	"github.com/blueberrycongee/llmroute/internal/observability"
	"github.com/blueberrycongee/llmroute/internal/strategy"
	"github.com/blueberrycongee/llmroute/internal/usage"
)

// Strategy names a deployment selection policy.
type Strategy = strategy.Strategy

// Selection strategies, configurable per model group.
const (
	StrategyRoundRobin     = strategy.StrategyRoundRobin
	StrategyWeightedRandom = strategy.StrategyWeightedRandom
	StrategyLeastBusy      = strategy.StrategyLeastBusy
	StrategyUsageBased     = strategy.StrategyUsageBased
	StrategyLatencyBased   = strategy.StrategyLatencyBased
)

// Aliases so callers can name the types the options and accessors traffic in.
type (
	// Config is the validated routing configuration consumed by NewFromConfig.
	Config = config.Config

	// BackoffConfig holds the cooldown duration knobs for WithBackoffConfig.
	BackoffConfig = backoff.Config

	// UsageTracker is the windowed usage counter behind WithUsageTracker.
	UsageTracker = usage.Tracker

	// EventSink receives one RouteEvent per routing call.
	EventSink = observability.EventSink

	// RouteEvent is the structured record emitted after every routing call.
	RouteEvent = observability.RouteEvent

	// CooldownEntry describes an active cooldown returned by DeploymentCooldown.
	CooldownEntry = cooldown.Entry
)

// LoadConfig reads and validates a routing configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig parses and validates raw YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// DefaultBackoffConfig returns the stock cooldown duration knobs.
func DefaultBackoffConfig() BackoffConfig {
	return backoff.DefaultConfig()
}

// NewLogEventSink returns a sink that logs each routing event at INFO level
// through the given logger. A nil logger uses slog.Default.
func NewLogEventSink(l *slog.Logger) EventSink {
	return observability.NewLogSink(observability.FromSlog(l))
}

// RequestIDFromContext returns the request ID Route attached to the context
// it dispatched with, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}
