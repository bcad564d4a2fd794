// Package config loads and validates the routing configuration. The router
// consumes the validated in-memory form only; file watching and reload are
// the host application's concern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmroute/internal/strategy"
)

// Config is the complete routing configuration.
type Config struct {
	Groups  []GroupConfig `yaml:"model_groups"`
	Routing RoutingConfig `yaml:"routing"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// GroupConfig declares a model group and its deployments.
type GroupConfig struct {
	Name        string             `yaml:"name"`
	Strategy    string             `yaml:"strategy"`
	Fallbacks   []string           `yaml:"fallbacks"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// DeploymentConfig declares one backend target. Limits are immutable for
// the deployment's lifetime once loaded.
type DeploymentConfig struct {
	ID       string  `yaml:"id"`
	Weight   float64 `yaml:"weight"`
	RPMLimit int64   `yaml:"rpm_limit"`
	TPMLimit int64   `yaml:"tpm_limit"`
}

// RoutingConfig carries router-wide knobs.
type RoutingConfig struct {
	// RequestTimeout bounds each executor dispatch.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxTotalAttempts caps dispatches across a fallback chain. 0 keeps
	// the router's default cap.
	MaxTotalAttempts int `yaml:"max_total_attempts"`

	// UsageWindow is the usage counter window (default one minute).
	UsageWindow time.Duration `yaml:"usage_window"`
}

// BackoffConfig carries cooldown duration knobs.
type BackoffConfig struct {
	RateLimitDelay   time.Duration `yaml:"rate_limit_delay"`
	TimeoutDelay     time.Duration `yaml:"timeout_delay"`
	ServerErrorDelay time.Duration `yaml:"server_error_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	JitterFraction   float64       `yaml:"jitter_fraction"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants. A group with zero deployments is
// legal; routing against it fails fast at call time.
func (c *Config) Validate() error {
	groupNames := make(map[string]bool, len(c.Groups))
	deploymentIDs := make(map[string]bool)

	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("model group with empty name")
		}
		if groupNames[g.Name] {
			return fmt.Errorf("duplicate model group %q", g.Name)
		}
		groupNames[g.Name] = true

		if g.Strategy != "" {
			if _, err := strategy.New(strategy.Strategy(g.Strategy), nil); err != nil {
				return fmt.Errorf("model group %q: %w", g.Name, err)
			}
		}

		for _, d := range g.Deployments {
			if d.ID == "" {
				return fmt.Errorf("model group %q: deployment with empty id", g.Name)
			}
			if deploymentIDs[d.ID] {
				return fmt.Errorf("duplicate deployment id %q", d.ID)
			}
			deploymentIDs[d.ID] = true

			if d.Weight < 0 {
				return fmt.Errorf("deployment %q: negative weight", d.ID)
			}
			if d.RPMLimit < 0 || d.TPMLimit < 0 {
				return fmt.Errorf("deployment %q: negative capacity limit", d.ID)
			}
		}
	}

	for _, g := range c.Groups {
		for _, fb := range g.Fallbacks {
			if !groupNames[fb] {
				return fmt.Errorf("model group %q: unknown fallback group %q", g.Name, fb)
			}
			if fb == g.Name {
				return fmt.Errorf("model group %q: fallback to itself", g.Name)
			}
		}
	}

	if c.Routing.RequestTimeout < 0 || c.Routing.UsageWindow < 0 {
		return fmt.Errorf("routing: negative duration")
	}
	if c.Routing.MaxTotalAttempts < 0 {
		return fmt.Errorf("routing: negative max_total_attempts")
	}
	if c.Backoff.JitterFraction < 0 || c.Backoff.JitterFraction >= 1 {
		if c.Backoff.JitterFraction != 0 {
			return fmt.Errorf("backoff: jitter_fraction must be in [0, 1)")
		}
	}

	return nil
}
