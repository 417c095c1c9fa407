package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNoBackend is returned by NewManager when neither layer is enabled.
	ErrNoBackend = errors.New("cache: no backend configured")
)

// DefaultMemorySize is the number of entries kept in the in-process layer.
const DefaultMemorySize = 1024

// Config configures a Manager.
type Config struct {
	// MemorySize is the capacity of the in-process LRU layer.
	// Zero uses DefaultMemorySize, a negative value disables the layer.
	MemorySize int
}

// Manager caches Bitrix24 responses in two layers: a bounded in-process LRU
// in front of an optional shared Redis. Reads check memory first and
// populate it from Redis hits.
type Manager struct {
	memory *lru.Cache[string, *CacheEntry]
	redis  *redis.Client
}

// NewManager creates a cache manager. redisClient may be nil for a
// memory-only cache.
func NewManager(redisClient *redis.Client, cfg Config) (*Manager, error) {
	m := &Manager{redis: redisClient}

	size := cfg.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	if size > 0 {
		memory, err := lru.New[string, *CacheEntry](size)
		if err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
		m.memory = memory
	}

	if m.memory == nil && m.redis == nil {
		return nil, ErrNoBackend
	}
	return m, nil
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	if m.memory != nil {
		if entry, ok := m.memory.Get(cacheKey); ok {
			if !entry.IsExpired() {
				CacheHits.WithLabelValues("memory").Inc()
				return entry, nil
			}
			m.memory.Remove(cacheKey)
		}
	}

	if m.redis == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	if m.memory != nil {
		m.memory.Add(cacheKey, &entry)
	}

	return &entry, nil
}

// Set stores a cache entry until its Expires time. Expired entries are
// silently ignored.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	cacheKey := key.String()

	if m.memory != nil {
		m.memory.Add(cacheKey, entry)
		CacheSize.WithLabelValues("memory").Add(float64(len(entry.Data)))
	}

	if m.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))

	return nil
}

// Put is shorthand for Set(ctx, key, NewEntry(key.Method, body, ttl)).
func (m *Manager) Put(ctx context.Context, key CacheKey, body []byte, ttl time.Duration) error {
	return m.Set(ctx, key, NewEntry(key.Method, body, ttl))
}

// Delete removes a cache entry from every layer.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	cacheKey := key.String()

	if m.memory != nil {
		m.memory.Remove(cacheKey)
	}

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Len returns the number of entries in the memory layer.
func (m *Manager) Len() int {
	if m.memory == nil {
		return 0
	}
	return m.memory.Len()
}

// Ping checks the Redis layer. A memory-only manager is always reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
