package health

import "sync"

// EWMA is an exponentially weighted moving average. Recent observations
// dominate; a higher alpha discounts older values faster.
type EWMA struct {
	mu          sync.RWMutex
	alpha       float64
	value       float64
	samples     int64
	initialized bool
}

// NewEWMA creates an EWMA with the given smoothing factor in (0, 1].
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Add folds a new observation into the average.
func (e *EWMA) Add(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples++
	if !e.initialized {
		e.value = v
		e.initialized = true
		return
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
}

// Value returns the current average. Zero before any observation.
func (e *EWMA) Value() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// Samples returns how many observations have been folded in.
func (e *EWMA) Samples() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples
}
