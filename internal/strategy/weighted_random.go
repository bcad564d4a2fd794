package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/llmroute/internal/health"
)

// WeightedRandom draws a candidate with probability proportional to its
// static weight. math/rand.Rand is not safe for concurrent use, so draws
// are serialized behind a mutex.
type WeightedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedRandom creates a weighted-random selector. A nil rng gets a
// time-seeded source; tests inject a seeded one for determinism.
func NewWeightedRandom(rng *rand.Rand) *WeightedRandom {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &WeightedRandom{rng: rng}
}

// Select implements Selector.
func (w *WeightedRandom) Select(candidates []health.DeploymentHealth, _ Hint) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleDeployment
	}
	sorted := sortByID(candidates)

	var total float64
	for _, c := range sorted {
		total += c.Weight
	}
	if total <= 0 {
		return sorted[0].DeploymentID, nil
	}

	w.mu.Lock()
	draw := w.rng.Float64() * total
	w.mu.Unlock()

	for _, c := range sorted {
		draw -= c.Weight
		if draw < 0 {
			return c.DeploymentID, nil
		}
	}
	// Floating point accumulation can leave draw at exactly 0.
	return sorted[len(sorted)-1].DeploymentID, nil
}
