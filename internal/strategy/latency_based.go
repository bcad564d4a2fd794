package strategy

import (
	"github.com/blueberrycongee/llmroute/internal/health"
)

// LatencyBased picks the candidate with the lowest rolling-average latency.
// Candidates with no observations yet rank as best-case so every deployment
// gets sampled at least once.
type LatencyBased struct{}

// NewLatencyBased creates a latency-based selector.
func NewLatencyBased() *LatencyBased {
	return &LatencyBased{}
}

// Select implements Selector.
func (l *LatencyBased) Select(candidates []health.DeploymentHealth, _ Hint) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleDeployment
	}
	sorted := sortByID(candidates)

	best := sorted[0]
	for _, c := range sorted[1:] {
		if observedLatency(c) < observedLatency(best) {
			best = c
		}
	}
	return best.DeploymentID, nil
}

// observedLatency ranks unobserved deployments below every real measurement.
func observedLatency(c health.DeploymentHealth) float64 {
	if c.LatencySamples == 0 {
		return -1
	}
	return c.AvgLatencyMs
}
