// Package health builds per-deployment health snapshots for the selection
// strategies. It holds no independent usage or cooldown state; snapshots
// read through to the usage tracker and cooldown registry. Latency averages
// and active-request counts are the only state owned here.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmroute/internal/cooldown"
	"github.com/blueberrycongee/llmroute/internal/usage"
	"github.com/blueberrycongee/llmroute/pkg/types"
)

// DefaultLatencyAlpha is the EWMA smoothing factor for latency tracking.
const DefaultLatencyAlpha = 0.3

// DeploymentHealth is one deployment's view at snapshot time, consumed by
// the selection strategies.
type DeploymentHealth struct {
	DeploymentID string
	Weight       float64
	CoolingDown  bool

	ActiveRequests int64

	// Usage fractions are usage/limit per metric, 0 when unbounded.
	RequestUsageFraction float64
	TokenUsageFraction   float64

	RemainingRequests int64
	HasRequestLimit   bool
	RemainingTokens   int64
	HasTokenLimit     bool

	// AvgLatencyMs is 0 with no observations; strategies treat that as
	// best-case so new deployments get sampled.
	AvgLatencyMs   float64
	LatencySamples int64
}

// Model aggregates tracker, registry, and latency state into snapshots.
type Model struct {
	tracker  usage.Tracker
	registry *cooldown.Registry

	mu      sync.RWMutex
	latency map[string]*EWMA
	active  map[string]*atomic.Int64
	alpha   float64
}

// NewModel creates a health model over the given tracker and registry.
func NewModel(tracker usage.Tracker, registry *cooldown.Registry) *Model {
	return &Model{
		tracker:  tracker,
		registry: registry,
		latency:  make(map[string]*EWMA),
		active:   make(map[string]*atomic.Int64),
		alpha:    DefaultLatencyAlpha,
	}
}

// RecordLatency folds a completed request's latency into the deployment's
// rolling average.
func (m *Model) RecordLatency(deploymentID string, latency time.Duration) {
	m.ewmaFor(deploymentID).Add(float64(latency.Milliseconds()))
}

// RequestStarted increments the deployment's active-request count. Counters
// are per-deployment atomics; the model lock only guards map membership.
func (m *Model) RequestStarted(deploymentID string) {
	m.counterFor(deploymentID).Add(1)
}

// RequestFinished decrements the deployment's active-request count, flooring
// at zero so an unmatched finish cannot drive the count negative.
func (m *Model) RequestFinished(deploymentID string) {
	c := m.counterFor(deploymentID)
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveRequests returns the in-flight count for a deployment.
func (m *Model) ActiveRequests(deploymentID string) int64 {
	m.mu.RLock()
	c, ok := m.active[deploymentID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Remove drops latency and active-request state for a deployment.
func (m *Model) Remove(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latency, deploymentID)
	delete(m.active, deploymentID)
}

// Snapshot returns health views for every given deployment. Tracker read
// errors degrade to zero usage rather than failing the snapshot; admission
// control is advisory and must not block routing on bookkeeping failures.
func (m *Model) Snapshot(ctx context.Context, deployments []types.Deployment, now time.Time) []DeploymentHealth {
	out := make([]DeploymentHealth, 0, len(deployments))
	for _, d := range deployments {
		h := DeploymentHealth{
			DeploymentID:   d.ID,
			Weight:         d.Weight,
			CoolingDown:    m.registry.IsCoolingDown(d.ID, now),
			ActiveRequests: m.ActiveRequests(d.ID),
		}
		if h.Weight <= 0 {
			h.Weight = 1
		}

		if e := m.peekEWMA(d.ID); e != nil {
			h.AvgLatencyMs = e.Value()
			h.LatencySamples = e.Samples()
		}

		h.RemainingRequests, h.HasRequestLimit = m.remaining(ctx, d.ID, types.MetricRequests, now)
		h.RemainingTokens, h.HasTokenLimit = m.remaining(ctx, d.ID, types.MetricTokens, now)

		if h.HasRequestLimit && d.RPMLimit > 0 {
			h.RequestUsageFraction = fraction(d.RPMLimit-h.RemainingRequests, d.RPMLimit)
		}
		if h.HasTokenLimit && d.TPMLimit > 0 {
			h.TokenUsageFraction = fraction(d.TPMLimit-h.RemainingTokens, d.TPMLimit)
		}

		out = append(out, h)
	}
	return out
}

func (m *Model) remaining(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, bool) {
	remaining, ok, err := m.tracker.Remaining(ctx, deploymentID, metric, now)
	if err != nil {
		return 0, false
	}
	return remaining, ok
}

func fraction(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(limit)
}

func (m *Model) ewmaFor(deploymentID string) *EWMA {
	m.mu.RLock()
	e, ok := m.latency[deploymentID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.latency[deploymentID]; ok {
		return e
	}
	e = NewEWMA(m.alpha)
	m.latency[deploymentID] = e
	return e
}

func (m *Model) peekEWMA(deploymentID string) *EWMA {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency[deploymentID]
}

func (m *Model) counterFor(deploymentID string) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.active[deploymentID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.active[deploymentID]; ok {
		return c
	}
	c = new(atomic.Int64)
	m.active[deploymentID] = c
	return c
}
