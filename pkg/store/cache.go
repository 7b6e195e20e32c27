package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IVVI0927/AIgreement/pkg/lru"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache holds completed analysis payloads keyed by operation and content
// digest.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// MemoryCache is a bounded in-process TTL cache.
type MemoryCache struct {
	items *lru.Store[memItem]
	now   func() time.Time
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache(capacity int, now func() time.Time) *MemoryCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{items: lru.New[memItem](capacity, 0), now: now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	hit := false
	now := m.now()
	m.items.Peek(key, func(it *memItem) {
		if now.Before(it.expiresAt) {
			out = append([]byte(nil), it.value...)
			hit = true
		}
	})
	if !hit {
		return nil, ErrCacheMiss
	}
	return out, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{value: append([]byte(nil), value...), expiresAt: m.now().Add(ttl)}
	m.items.Do(key, func() memItem { return item }, func(it *memItem) { *it = item })
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Sweep drops expired entries.
func (m *MemoryCache) Sweep() int {
	now := m.now()
	return m.items.Sweep(func(_ string, it *memItem) bool { return !now.Before(it.expiresAt) })
}

// NewCache uses redis when it answers a ping and memory otherwise.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client, "aigreement:analysis:")
		}
	}
	return NewMemoryCache(0, nil)
}
