package cache

import (
	"fmt"
	"strings"
)

// CacheKey identifies a cached response.
type CacheKey struct {
	// Portal is the portal host, e.g. "example.bitrix24.com".
	Portal string

	// Method is the REST method, e.g. "crm.lead.get".
	Method string

	// Query is the deterministic encoding of the call parameters.
	Query string

	// UserID is the OAuth user the call was made as (0 for webhooks).
	UserID int64
}

// String generates a deterministic cache key string.
// Format: b24:portal:method:query:user=N
//
// Example:
//
//	b24:example.bitrix24.com:crm.lead.get:id=5
func (k CacheKey) String() string {
	parts := []string{"b24"}

	if k.Portal != "" {
		parts = append(parts, strings.ToLower(k.Portal))
	}

	if method := strings.ToLower(strings.TrimSpace(k.Method)); method != "" {
		parts = append(parts, method)
	}

	if k.Query != "" {
		parts = append(parts, k.Query)
	}

	if k.UserID > 0 {
		parts = append(parts, fmt.Sprintf("user=%d", k.UserID))
	}

	return strings.Join(parts, ":")
}

// IsCacheable reports whether responses of method are safe to cache:
// single-record reads and field descriptions. Lists, writes and the batch
// endpoint are never cached.
func IsCacheable(method string) bool {
	method = strings.ToLower(strings.TrimSpace(method))
	return strings.HasSuffix(method, ".get") || strings.HasSuffix(method, ".fields")
}
