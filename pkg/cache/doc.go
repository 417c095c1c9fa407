// Package cache caches read-only Bitrix24 responses.
//
// The manager keeps two layers:
//
//   - memory: a bounded in-process LRU (hashicorp/golang-lru)
//   - redis: an optional shared layer so several processes reuse entries
//
// Only single-record reads and field descriptions are cacheable (methods
// ending in ".get" or ".fields", see IsCacheable). Lists are paginated and
// change underneath a walk; writes and batch calls have side effects.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	manager, err := cache.NewManager(redisClient, cache.Config{MemorySize: 512})
//	if err != nil {
//		return err
//	}
//
//	key := cache.CacheKey{Method: "crm.lead.get", Query: "id=5"}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// call the portal, then
//		_ = manager.Put(ctx, key, body, 5*time.Minute)
//	}
//
// Pass nil instead of a Redis client for a memory-only cache.
//
// # Metrics
//
//   - b24_cache_hits_total{layer} - Cache hits per layer
//   - b24_cache_misses_total - Cache misses
//   - b24_cache_size_bytes{layer} - Bytes written per layer
//   - b24_cache_errors_total{operation} - Cache operation errors
package cache
