package strategy

import (
	"github.com/blueberrycongee/llmroute/internal/health"
)

// RoundRobin cycles through candidates in stable ID order with one
// monotonic cursor per model group.
type RoundRobin struct {
	store CursorStore
}

// NewRoundRobin creates a round-robin selector with an in-process cursor.
func NewRoundRobin() *RoundRobin {
	return NewRoundRobinWithStore(NewMemoryCursorStore())
}

// NewRoundRobinWithStore creates a round-robin selector over an explicit
// cursor store; the Redis store keeps rotation fair across replicas.
func NewRoundRobinWithStore(store CursorStore) *RoundRobin {
	if store == nil {
		store = NewMemoryCursorStore()
	}
	return &RoundRobin{store: store}
}

// Select implements Selector.
func (r *RoundRobin) Select(candidates []health.DeploymentHealth, hint Hint) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleDeployment
	}
	sorted := sortByID(candidates)
	next := r.store.Next(hint.Group)
	return sorted[next%uint64(len(sorted))].DeploymentID, nil
}
