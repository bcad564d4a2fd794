package usage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmroute/pkg/types"
)

const (
	defaultKeyPrefix = "llmroute:usage:"
	bucketKeyLayout  = "2006-01-02-15-04"
)

// RedisTracker shares usage counters across gateway instances. Counters are
// keyed by deployment, metric, and a UTC window bucket; expiry is handled by
// Redis TTLs rather than in-process bookkeeping.
//
// Capacity limits stay in-process: they come from validated configuration and
// never change at runtime, so there is nothing to synchronize.
type RedisTracker struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration

	mu     sync.RWMutex
	limits map[string]int64
}

// RedisTrackerOption configures a RedisTracker.
type RedisTrackerOption func(*RedisTracker)

// WithKeyPrefix overrides the Redis key prefix (default "llmroute:usage:").
func WithKeyPrefix(prefix string) RedisTrackerOption {
	return func(t *RedisTracker) {
		t.keyPrefix = prefix
	}
}

// WithWindow overrides the counter window duration (default one minute).
// The bucket key has minute resolution, so windows shorter than a minute
// would alias onto one key; they are clamped to a minute.
func WithWindow(window time.Duration) RedisTrackerOption {
	return func(t *RedisTracker) {
		if window <= 0 {
			return
		}
		if window < time.Minute {
			window = time.Minute
		}
		t.window = window
	}
}

// NewRedisTracker creates a Redis-backed usage tracker.
func NewRedisTracker(client redis.UniversalClient, opts ...RedisTrackerOption) *RedisTracker {
	t := &RedisTracker{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		window:    DefaultWindow,
		limits:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) bucketKey(deploymentID string, metric types.Metric, now time.Time) string {
	bucket := now.UTC().Truncate(t.window).Format(bucketKeyLayout)
	return t.keyPrefix + deploymentID + ":" + string(metric) + ":" + bucket
}

// Increment implements Tracker. INCRBY and EXPIRE run in one pipeline; the
// TTL is twice the window so a bucket survives until nothing can read it.
func (t *RedisTracker) Increment(ctx context.Context, deploymentID string, metric types.Metric, amount int64, now time.Time) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	key := t.bucketKey(deploymentID, metric, now)
	pipe := t.client.Pipeline()
	pipe.IncrBy(ctx, key, amount)
	pipe.Expire(ctx, key, 2*t.window)
	_, err := pipe.Exec(ctx)
	return err
}

// Current implements Tracker. A missing bucket reads as zero.
func (t *RedisTracker) Current(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, error) {
	val, err := t.client.Get(ctx, t.bucketKey(deploymentID, metric, now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Remaining implements Tracker.
func (t *RedisTracker) Remaining(ctx context.Context, deploymentID string, metric types.Metric, now time.Time) (int64, bool, error) {
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
func (t *RedisTracker) SetLimit(deploymentID string, metric types.Metric, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairKey(deploymentID, metric)
	if limit <= 0 {
		delete(t.limits, key)
		return
	}
	t.limits[key] = limit
}

// RemoveDeployment implements Tracker. Redis buckets are left to expire via
// their TTLs.
func (t *RedisTracker) RemoveDeployment(deploymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, metric := range []types.Metric{types.MetricRequests, types.MetricTokens} {
		delete(t.limits, pairKey(deploymentID, metric))
	}
}
