// Package usage tracks per-deployment rolling usage counters (requests and
// tokens per window) with lazy expiry. It backs the router's admission-control
// pre-check; counts are soft guidance, not a distributed lock.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/llmroute/pkg/types"
)

// DefaultWindow is the counter window used when none is configured.
const DefaultWindow = time.Minute

// ErrNegativeAmount is returned when an increment amount is negative.
var ErrNegativeAmount = errors.New("usage amount must be non-negative")

// Tracker maintains windowed usage counters per (deployment, metric) pair.
//
// Implementations must serialize updates per pair without serializing
// unrelated deployments.
type Tracker interface {
	// Increment adds amount to the metric's current window, resetting the
	// window first if it has expired relative to now.
	Increment(ctx context.Context, deploymentID string, metric types.Metric, amount int64, now time.Time) error

	// Current returns the window's current value, applying lazy expiry.
	Current(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, error)

	// Remaining returns limit minus current usage. ok is false when no limit
	// is configured for the pair (unbounded).
	Remaining(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (remaining int64, ok bool, err error)

	// SetLimit configures the capacity limit for a pair. Limits are set once
	// at deployment registration; 0 removes any limit.
	SetLimit(deploymentID string, metric types.Metric, limit int64)

	// RemoveDeployment drops all counters and limits for a deployment.
	RemoveDeployment(deploymentID string)
}

// counter is one windowed counter. Each counter carries its own mutex so
// unrelated deployments never contend.
type counter struct {
	mu          sync.Mutex
	value       int64
	windowStart time.Time
}

// MemoryTracker is the in-process Tracker. Counters are windowed to fixed
// buckets aligned to the window duration, matching the minute-key scheme the
// Redis tracker uses so the two report comparable values.
type MemoryTracker struct {
	mu       sync.RWMutex
	counters map[string]*counter
	limits   map[string]int64
	window   time.Duration
}

// NewMemoryTracker creates a tracker with the given window duration.
// A non-positive window falls back to DefaultWindow.
func NewMemoryTracker(window time.Duration) *MemoryTracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryTracker{
		counters: make(map[string]*counter),
		limits:   make(map[string]int64),
		window:   window,
	}
}

func pairKey(deploymentID string, metric types.Metric) string {
	return deploymentID + ":" + string(metric)
}

func (t *MemoryTracker) getOrCreate(key string) *counter {
	t.mu.RLock()
	c, ok := t.counters[key]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[key]; ok {
		return c
	}
	c = &counter{}
	t.counters[key] = c
	return c
}

// expireLocked zeroes the counter if its window has elapsed. Caller holds c.mu.
func (t *MemoryTracker) expireLocked(c *counter, now time.Time) {
	bucket := now.Truncate(t.window)
	if !c.windowStart.Equal(bucket) {
		c.windowStart = bucket
		c.value = 0
	}
}

// Increment implements Tracker.
func (t *MemoryTracker) Increment(_ context.Context, deploymentID string, metric types.Metric, amount int64, now time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeAmount, amount)
	}
	c := t.getOrCreate(pairKey(deploymentID, metric))
	c.mu.Lock()
	defer c.mu.Unlock()
	t.expireLocked(c, now)
	c.value += amount
	return nil
}

// Current implements Tracker.
func (t *MemoryTracker) Current(_ context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, error) {
	t.mu.RLock()
	c, ok := t.counters[pairKey(deploymentID, metric)]
	t.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.expireLocked(c, now)
	return c.value, nil
}

// Remaining implements Tracker.
func (t *MemoryTracker) Remaining(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, bool, error) {
	t.mu.RLock()
	limit, ok := t.limits[pairKey(deploymentID, metric)]
	t.mu.RUnlock()
	if !ok || limit <= 0 {
		return 0, false, nil
	}
	current, err := t.Current(ctx, deploymentID, metric, now)
	if err != nil {
		return 0, false, err
	}
	return limit - current, true, nil
}

// SetLimit implements Tracker.
func (t *MemoryTracker) SetLimit(deploymentID string, metric types.Metric, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairKey(deploymentID, metric)
	if limit <= 0 {
		delete(t.limits, key)
		return
	}
	t.limits[key] = limit
}

// RemoveDeployment implements Tracker.
func (t *MemoryTracker) RemoveDeployment(deploymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, metric := range []types.Metric{types.MetricRequests, types.MetricTokens} {
		key := pairKey(deploymentID, metric)
		delete(t.counters, key)
		delete(t.limits, key)
	}
}
