package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cursorKeyPrefix = "llmroute:rr:"
	cursorKeyTTL    = 24 * time.Hour
	cursorTimeout   = 200 * time.Millisecond
)

// CursorStore yields monotonically increasing cursor values per group for
// round-robin rotation.
type CursorStore interface {
	Next(group string) uint64
}

// MemoryCursorStore keeps rotation cursors in-process, one atomic counter
// per group.
type MemoryCursorStore struct {
	cursors sync.Map // group -> *atomic.Uint64
}

// NewMemoryCursorStore creates an empty in-process cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

// Next implements CursorStore.
func (m *MemoryCursorStore) Next(group string) uint64 {
	return m.cursorFor(group).Add(1) - 1
}

func (m *MemoryCursorStore) cursorFor(group string) *atomic.Uint64 {
	if existing, ok := m.cursors.Load(group); ok {
		return existing.(*atomic.Uint64)
	}
	cursor := &atomic.Uint64{}
	actual, _ := m.cursors.LoadOrStore(group, cursor)
	return actual.(*atomic.Uint64)
}

// RedisCursorStore shares rotation cursors across gateway replicas via INCR,
// so round-robin stays fair pool-wide. Redis errors fall back to a local
// counter; the cursor is a fairness aid, never a reason to fail routing.
type RedisCursorStore struct {
	client    redis.UniversalClient
	keyPrefix string
	fallback  *MemoryCursorStore
}

// NewRedisCursorStore creates a Redis-backed cursor store.
func NewRedisCursorStore(client redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{
		client:    client,
		keyPrefix: cursorKeyPrefix,
		fallback:  NewMemoryCursorStore(),
	}
}

// Next implements CursorStore. The key carries a TTL so cursors for retired
// groups age out of Redis on their own.
func (r *RedisCursorStore) Next(group string) uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), cursorTimeout)
	defer cancel()

	key := r.keyPrefix + group
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, cursorKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.fallback.Next(group)
	}
	return uint64(incr.Val() - 1)
}
