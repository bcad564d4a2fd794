// Package cooldown tracks deployments temporarily excluded from selection
// after qualifying failures. Entries expire lazily against the caller's
// clock; the backing TTL cache only garbage-collects stale entries.
package cooldown

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Reason codes for why a deployment entered cooldown.
type Reason string

const (
	// ReasonRateLimited: backend signaled quota exhaustion.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonServerError: backend-side failure.
	ReasonServerError Reason = "server_error"

	// ReasonTimeout: dispatch exceeded its allotted time.
	ReasonTimeout Reason = "timeout"
)

// Entry maps a deployment to its cooldown expiry and the triggering reason.
type Entry struct {
	DeploymentID string    `json:"deployment_id"`
	Until        time.Time `json:"until"`
	Reason       Reason    `json:"reason"`
}

// deploymentState carries the per-deployment mutable state. Each deployment
// locks only its own mutex, so traffic to one deployment never serializes
// behind failures on another.
type deploymentState struct {
	mu       sync.Mutex
	failures int
}

// Registry tracks cooling-down deployments and their consecutive-failure
// counts. Synchronization is per deployment; safe for concurrent use.
type Registry struct {
	entries *gocache.Cache
	states  sync.Map // deployment ID -> *deploymentState
}

// NewRegistry creates an empty registry. The cache janitor sweeps expired
// entries every minute; correctness never depends on the sweep because reads
// compare expiry against the caller-supplied now.
func NewRegistry() *Registry {
	return &Registry{
		entries: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (r *Registry) stateFor(deploymentID string) *deploymentState {
	if s, ok := r.states.Load(deploymentID); ok {
		return s.(*deploymentState)
	}
	s, _ := r.states.LoadOrStore(deploymentID, &deploymentState{})
	return s.(*deploymentState)
}

// Cooldown sets or extends the deployment's cooldown to now + duration.
// When an entry with a later expiry already exists, the later expiry wins;
// a cooldown is never shortened. The check-then-set runs under the
// deployment's own lock so concurrent extensions cannot lose the later one.
func (r *Registry) Cooldown(deploymentID string, duration time.Duration, reason Reason, now time.Time) {
	if duration <= 0 {
		return
	}
	until := now.Add(duration)

	s := r.stateFor(deploymentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := r.entries.Get(deploymentID); ok {
		if e, ok := existing.(Entry); ok && e.Until.After(until) {
			return
		}
	}
	r.entries.Set(deploymentID, Entry{
		DeploymentID: deploymentID,
		Until:        until,
		Reason:       reason,
	}, until.Sub(now)+time.Minute)
}

// IsCoolingDown reports whether an entry exists with expiry after now.
func (r *Registry) IsCoolingDown(deploymentID string, now time.Time) bool {
	_, ok := r.Entry(deploymentID, now)
	return ok
}

// Entry returns the active cooldown entry for a deployment, if any.
// Entries whose expiry has passed are treated as absent. Entry values are
// immutable once stored, so reads take no lock.
func (r *Registry) Entry(deploymentID string, now time.Time) (Entry, bool) {
	raw, ok := r.entries.Get(deploymentID)
	if !ok {
		return Entry{}, false
	}
	e, ok := raw.(Entry)
	if !ok || !e.Until.After(now) {
		return Entry{}, false
	}
	return e, true
}

// Clear removes any cooldown entry for the deployment. Used by manual
// recovery; the consecutive-failure count is left intact so backoff history
// survives an operator override.
func (r *Registry) Clear(deploymentID string) {
	r.entries.Delete(deploymentID)
}

// RecordFailure increments and returns the deployment's consecutive-failure
// count.
func (r *Registry) RecordFailure(deploymentID string) int {
	s := r.stateFor(deploymentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// ResetFailures zeroes the consecutive-failure count after a success.
func (r *Registry) ResetFailures(deploymentID string) {
	raw, ok := r.states.Load(deploymentID)
	if !ok {
		return
	}
	s := raw.(*deploymentState)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (r *Registry) ConsecutiveFailures(deploymentID string) int {
	raw, ok := r.states.Load(deploymentID)
	if !ok {
		return 0
	}
	s := raw.(*deploymentState)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Remove drops all state for a deployment.
func (r *Registry) Remove(deploymentID string) {
	r.entries.Delete(deploymentID)
	r.states.Delete(deploymentID)
}
