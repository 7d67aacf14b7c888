package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every key this package writes.
const KeyPrefix = "rmwiki"

// CacheKey identifies a cached upstream response.
type CacheKey struct {
	// Endpoint is the request path (e.g., "/api/character/")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"name": "rick"})
	QueryParams url.Values
}

// KeyFromURL builds a key from a request URL. Host and scheme are ignored.
func KeyFromURL(u *url.URL) CacheKey {
	if u == nil {
		return CacheKey{}
	}
	return CacheKey{
		Endpoint:    u.Path,
		QueryParams: u.Query(),
	}
}

// String generates a deterministic cache key string.
// Format: rmwiki:endpoint:query1=val1:query2=val2a,val2b
//
// Example:
//
//	rmwiki:api/character:name=rick:page=2
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		keys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, key+"="+strings.Join(values, ","))
		}
	}

	return strings.Join(parts, ":")
}
