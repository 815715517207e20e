package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lookaside is the advisory dedup cache in front of the durable store.
// Losing entries never breaks correctness, only costs a store lookup, so
// every implementation swallows its own errors and reports a miss.
type Lookaside interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key, value string)
}

const (
	DefaultLookasideCapacity = 10000
	DefaultLookasideTTL      = 30 * time.Minute
)

type lookEntry struct {
	value    string
	storedAt time.Time
}

// MemoryLookaside is a bounded, time-expiring in-process cache. Eviction
// removes expired entries first, then oldest-first while over capacity.
type MemoryLookaside struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]lookEntry
	now      func() time.Time
}

func NewMemoryLookaside(capacity int, ttl time.Duration) *MemoryLookaside {
	if capacity <= 0 {
		capacity = DefaultLookasideCapacity
	}
	if ttl <= 0 {
		ttl = DefaultLookasideTTL
	}
	return &MemoryLookaside{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]lookEntry),
		now:      time.Now,
	}
}

func (m *MemoryLookaside) Get(ctx context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", false
	}
	if m.now().Sub(item.storedAt) >= m.ttl {
		delete(m.items, key)
		return "", false
	}
	return item.value, true
}

func (m *MemoryLookaside) Put(ctx context.Context, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = lookEntry{value: value, storedAt: m.now()}
	if len(m.items) > m.capacity {
		m.evictLocked()
	}
}

func (m *MemoryLookaside) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryLookaside) evictLocked() {
	now := m.now()
	for k, v := range m.items {
		if now.Sub(v.storedAt) >= m.ttl {
			delete(m.items, k)
		}
	}
	for len(m.items) > m.capacity {
		oldestKey := ""
		var oldestAt time.Time
		for k, v := range m.items {
			if oldestKey == "" || v.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, v.storedAt
			}
		}
		delete(m.items, oldestKey)
	}
}

// RedisLookaside shares dedup hits across gateway processes. Capacity is
// redis's problem; TTL is set per key.
type RedisLookaside struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

func NewRedisLookaside(client *redis.Client, ttl time.Duration) *RedisLookaside {
	if ttl <= 0 {
		ttl = DefaultLookasideTTL
	}
	return &RedisLookaside{Client: client, TTL: ttl, Prefix: "dedup:"}
}

func (r *RedisLookaside) Get(ctx context.Context, key string) (string, bool) {
	if r.Client == nil {
		return "", false
	}
	val, err := r.Client.Get(ctx, r.Prefix+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (r *RedisLookaside) Put(ctx context.Context, key, value string) {
	if r.Client == nil {
		return
	}
	_ = r.Client.Set(ctx, r.Prefix+key, value, r.TTL).Err()
}

// NewLookaside picks redis when it answers, memory otherwise.
func NewLookaside(ctx context.Context, client *redis.Client, capacity int, ttl time.Duration) Lookaside {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisLookaside(client, ttl)
		}
	}
	return NewMemoryLookaside(capacity, ttl)
}
