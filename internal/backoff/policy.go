// Package backoff computes cooldown durations for failed deployments.
// Durations grow with consecutive failures up to a ceiling, with jitter to
// avoid synchronized retry storms across concurrent callers.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/llmroute/internal/cooldown"
)

// Config holds the backoff knobs. Zero values fall back to defaults.
type Config struct {
	// RateLimitDelay is the fixed cooldown for rate limits without a
	// provider-supplied retry-after hint.
	RateLimitDelay time.Duration

	// TimeoutDelay seeds the exponential backoff for timeouts.
	TimeoutDelay time.Duration

	// ServerErrorDelay seeds the exponential backoff for server errors.
	ServerErrorDelay time.Duration

	// MaxDelay caps every computed cooldown.
	MaxDelay time.Duration

	// JitterFraction randomizes the result by ± this fraction. 0 disables
	// jitter; values are clamped to [0, 1).
	JitterFraction float64
}

// DefaultConfig returns the stock backoff configuration.
func DefaultConfig() Config {
	return Config{
		RateLimitDelay:   5 * time.Second,
		TimeoutDelay:     10 * time.Second,
		ServerErrorDelay: 2 * time.Second,
		MaxDelay:         5 * time.Minute,
		JitterFraction:   0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
	if c.TimeoutDelay <= 0 {
		c.TimeoutDelay = d.TimeoutDelay
	}
	if c.ServerErrorDelay <= 0 {
		c.ServerErrorDelay = d.ServerErrorDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = d.JitterFraction
	}
	return c
}

// Policy computes cooldown durations. The random source is injected so
// jittered results stay deterministic under test.
type Policy struct {
	cfg   Config
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPolicy creates a policy. A nil rng gets a time-seeded source.
func NewPolicy(cfg Config, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{cfg: cfg.withDefaults(), rng: rng}
}

// NextCooldown returns the cooldown duration for a failure with the given
// reason and consecutive-failure count. retryAfter carries the backend's
// rate-limit hint (zero when absent); it wins over the computed duration
// when larger.
//
// Excluding jitter, the result is monotonically non-decreasing in
// consecutiveFailures up to MaxDelay.
func (p *Policy) NextCooldown(reason cooldown.Reason, consecutiveFailures int, retryAfter time.Duration) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}

	var d time.Duration
	switch reason {
	case cooldown.ReasonRateLimited:
		d = p.cfg.RateLimitDelay
	case cooldown.ReasonTimeout:
		d = scale(p.cfg.TimeoutDelay, consecutiveFailures, p.cfg.MaxDelay)
	default:
		d = scale(p.cfg.ServerErrorDelay, consecutiveFailures, p.cfg.MaxDelay)
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}

	if reason == cooldown.ReasonRateLimited && retryAfter > d {
		d = retryAfter
	}

	return p.jitter(d)
}

// scale doubles base per additional consecutive failure, saturating at max
// to avoid shift overflow on long failure streaks.
func scale(base time.Duration, failures int, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	if p.cfg.JitterFraction == 0 || d <= 0 {
		return d
	}
	p.rngMu.Lock()
	f := p.rng.Float64()
	p.rngMu.Unlock()

	// Uniform in [-JitterFraction, +JitterFraction].
	offset := (2*f - 1) * p.cfg.JitterFraction
	return time.Duration(float64(d) * (1 + offset))
}
