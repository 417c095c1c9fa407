package cache

import (
	"time"
)

// CacheEntry is a cached Bitrix24 response body.
type CacheEntry struct {
	// Data is the raw JSON response body.
	Data []byte `json:"data"`

	// Method is the REST method that produced the body.
	Method string `json:"method"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry wraps body for storage with the given time to live.
func NewEntry(method string, body []byte, ttl time.Duration) *CacheEntry {
	now := time.Now()
	data := make([]byte, len(body))
	copy(data, body)
	return &CacheEntry{
		Data:     data,
		Method:   method,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
