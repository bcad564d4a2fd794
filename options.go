package llmroute

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmroute/internal/observability"
	"github.com/blueberrycongee/llmroute/internal/usage"
)

// DefaultMaxTotalAttempts caps dispatches across a fallback chain when no
// explicit cap is configured.
const DefaultMaxTotalAttempts = 8

// Option configures a Router at construction time.
type Option func(*routerConfig)

type routerConfig struct {
	logger *observability.Logger
	sink   EventSink

	tracker     UsageTracker
	redisClient redis.UniversalClient

	clock func() time.Time
	rng   *rand.Rand

	requestTimeout   time.Duration
	maxTotalAttempts int
	defaultStrategy  Strategy
	backoffConfig    BackoffConfig
	usageWindow      time.Duration

	metricsEnabled bool
	tracingEnabled bool
}

func defaultRouterConfig() *routerConfig {
	return &routerConfig{
		logger:           observability.FromSlog(slog.Default()),
		sink:             observability.NopSink{},
		clock:            time.Now,
		requestTimeout:   30 * time.Second,
		maxTotalAttempts: DefaultMaxTotalAttempts,
		defaultStrategy:  StrategyRoundRobin,
		backoffConfig:    DefaultBackoffConfig(),
		usageWindow:      usage.DefaultWindow,
		metricsEnabled:   true,
		tracingEnabled:   true,
	}
}

// WithLogger sets the structured logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(c *routerConfig) {
		if l != nil {
			c.logger = observability.FromSlog(l)
		}
	}
}

// WithEventSink sets the routing event sink. Events are emitted once per
// Route call, success or failure.
func WithEventSink(sink EventSink) Option {
	return func(c *routerConfig) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithUsageTracker replaces the in-memory usage tracker. Takes precedence
// over WithRedisUsage.
func WithUsageTracker(t UsageTracker) Option {
	return func(c *routerConfig) { c.tracker = t }
}

// WithRedisUsage backs usage counters with Redis so replicas sharing a
// deployment pool see each other's consumption.
func WithRedisUsage(client redis.UniversalClient) Option {
	return func(c *routerConfig) { c.redisClient = client }
}

// WithClock injects the time source. Tests use this to control window
// expiry and cooldown checks.
func WithClock(clock func() time.Time) Option {
	return func(c *routerConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRand injects the random source used by weighted selection and
// backoff jitter.
func WithRand(rng *rand.Rand) Option {
	return func(c *routerConfig) { c.rng = rng }
}

// WithRequestTimeout bounds each executor dispatch. Zero or negative
// disables the per-dispatch deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *routerConfig) { c.requestTimeout = d }
}

// WithMaxTotalAttempts caps dispatches across a whole fallback chain.
// Defaults to DefaultMaxTotalAttempts; zero removes the cap, leaving only
// the per-group candidate bound.
func WithMaxTotalAttempts(n int) Option {
	return func(c *routerConfig) {
		if n >= 0 {
			c.maxTotalAttempts = n
		}
	}
}

// WithDefaultStrategy sets the selection strategy for groups that do not
// declare one.
func WithDefaultStrategy(s Strategy) Option {
	return func(c *routerConfig) {
		if s != "" {
			c.defaultStrategy = s
		}
	}
}

// WithBackoffConfig overrides the cooldown duration knobs.
func WithBackoffConfig(cfg BackoffConfig) Option {
	return func(c *routerConfig) { c.backoffConfig = cfg }
}

// WithUsageWindow sets the usage counter window. Defaults to one minute.
func WithUsageWindow(d time.Duration) Option {
	return func(c *routerConfig) {
		if d > 0 {
			c.usageWindow = d
		}
	}
}

// WithMetrics toggles Prometheus metric emission.
func WithMetrics(enabled bool) Option {
	return func(c *routerConfig) { c.metricsEnabled = enabled }
}

// WithTracing toggles OpenTelemetry dispatch spans.
func WithTracing(enabled bool) Option {
	return func(c *routerConfig) { c.tracingEnabled = enabled }
}
