// Package admission provides a per-deployment token-bucket smoother used by
// the router's advisory pre-filter. Window counters cap a whole minute; the
// bucket stops a burst from spending that minute's budget in one instant.
package admission

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per rate-limited deployment. Deployments
// without an RPM limit are never registered and always pass.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewLimiter creates an empty limiter set.
func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Register installs a bucket refilling at rpm/60 per second. Burst is a
// tenth of the RPM limit, at least 1, so short spikes still pass while
// sustained overload is smoothed. A non-positive rpm removes the bucket.
func (l *Limiter) Register(deploymentID string, rpm int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm <= 0 {
		delete(l.limiters, deploymentID)
		return
	}
	burst := int(rpm / 10)
	if burst < 1 {
		burst = 1
	}
	l.limiters[deploymentID] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Allow reports whether a dispatch to the deployment may proceed right now.
// Unregistered deployments always pass.
func (l *Limiter) Allow(deploymentID string) bool {
	l.mu.RLock()
	lim, ok := l.limiters[deploymentID]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Remove drops the deployment's bucket.
func (l *Limiter) Remove(deploymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, deploymentID)
}
