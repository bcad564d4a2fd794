// Package strategy implements the pluggable deployment selection policies.
// A selector receives candidates already filtered for cooldown and capacity
// and picks exactly one, or reports that none are eligible.
package strategy

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/blueberrycongee/llmroute/internal/health"
)

// ErrNoEligibleDeployment is returned when the candidate list is empty.
// This is a reportable outcome, not a programming error.
var ErrNoEligibleDeployment = errors.New("no eligible deployment")

// Strategy names a selection policy. The concrete policy is a configuration
// choice per model group.
type Strategy string

const (
	// StrategyRoundRobin cycles through candidates with a per-group cursor.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyWeightedRandom draws proportionally to static weights.
	StrategyWeightedRandom Strategy = "weighted-random"

	// StrategyLeastBusy picks the candidate with the fewest active requests.
	StrategyLeastBusy Strategy = "least-busy"

	// StrategyUsageBased picks the candidate with the most remaining token
	// headroom relative to its limit.
	StrategyUsageBased Strategy = "usage-based"

	// StrategyLatencyBased picks the candidate with the lowest rolling
	// average latency.
	StrategyLatencyBased Strategy = "latency-based"
)

// Hint carries request-level inputs to a selection decision.
type Hint struct {
	// Group is the model group being routed, used as the round-robin
	// cursor key.
	Group string

	// EstimatedTokens is the request's token cost hint.
	EstimatedTokens int64
}

// Selector picks one deployment from a filtered candidate list.
type Selector interface {
	Select(candidates []health.DeploymentHealth, hint Hint) (string, error)
}

// New builds the selector for a strategy name. The random source is injected
// so randomized policies stay deterministic under test; a nil rng is only
// acceptable for policies that never draw.
func New(s Strategy, rng *rand.Rand) (Selector, error) {
	switch s {
	case StrategyRoundRobin, "":
		return NewRoundRobin(), nil
	case StrategyWeightedRandom:
		return NewWeightedRandom(rng), nil
	case StrategyLeastBusy:
		return NewLeastBusy(), nil
	case StrategyUsageBased:
		return NewUsageBased(), nil
	case StrategyLatencyBased:
		return NewLatencyBased(), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", s)
	}
}

// sortByID returns the candidates in stable ascending deployment-ID order,
// the uniform tie-break rule for every policy.
func sortByID(candidates []health.DeploymentHealth) []health.DeploymentHealth {
	sorted := make([]health.DeploymentHealth, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DeploymentID < sorted[j].DeploymentID
	})
	return sorted
}
