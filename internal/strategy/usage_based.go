package strategy

import (
	"github.com/blueberrycongee/llmroute/internal/health"
)

// UsageBased picks the candidate with the most remaining token capacity
// relative to its limit. Unbounded candidates count as fully free. When no
// candidate has a token limit at all, the decision degrades to least-busy.
type UsageBased struct {
	fallback *LeastBusy
}

// NewUsageBased creates a usage-based selector.
func NewUsageBased() *UsageBased {
	return &UsageBased{fallback: NewLeastBusy()}
}

// Select implements Selector.
func (u *UsageBased) Select(candidates []health.DeploymentHealth, hint Hint) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleDeployment
	}

	anyLimited := false
	for _, c := range candidates {
		if c.HasTokenLimit {
			anyLimited = true
			break
		}
	}
	if !anyLimited {
		return u.fallback.Select(candidates, hint)
	}

	sorted := sortByID(candidates)
	best := sorted[0]
	for _, c := range sorted[1:] {
		if tokenFraction(c) < tokenFraction(best) {
			best = c
		}
	}
	return best.DeploymentID, nil
}

func tokenFraction(c health.DeploymentHealth) float64 {
	if !c.HasTokenLimit {
		return 0
	}
	return c.TokenUsageFraction
}
