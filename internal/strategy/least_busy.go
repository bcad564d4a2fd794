package strategy

import (
	"github.com/blueberrycongee/llmroute/internal/health"
)

// LeastBusy picks the candidate carrying the least live load: fewest active
// requests, then lowest request-window usage fraction. Remaining ties go to
// the higher weight, then stable ID order.
type LeastBusy struct{}

// NewLeastBusy creates a least-busy selector.
func NewLeastBusy() *LeastBusy {
	return &LeastBusy{}
}

// Select implements Selector.
func (l *LeastBusy) Select(candidates []health.DeploymentHealth, _ Hint) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleDeployment
	}
	sorted := sortByID(candidates)

	best := sorted[0]
	for _, c := range sorted[1:] {
		if lessBusy(c, best) {
			best = c
		}
	}
	return best.DeploymentID, nil
}

// lessBusy reports whether a is strictly preferable to b. Equal load falls
// through to weight; the ID-order sort already settled the final tie.
func lessBusy(a, b health.DeploymentHealth) bool {
	if a.ActiveRequests != b.ActiveRequests {
		return a.ActiveRequests < b.ActiveRequests
	}
	if a.RequestUsageFraction != b.RequestUsageFraction {
		return a.RequestUsageFraction < b.RequestUsageFraction
	}
	return a.Weight > b.Weight
}
