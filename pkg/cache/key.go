package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached upstream response.
type CacheKey struct {
	// Host is the upstream host (e.g., "api.vimeo.com").
	Host string

	// Endpoint is the request path (e.g., "/users/1/folders/2/videos").
	Endpoint string

	// QueryParams are the request query parameters.
	QueryParams url.Values

	// Scope is the credential fingerprint; empty for anonymous requests.
	Scope string
}

// KeyForURL builds the cache key of a request URL under a credential scope.
func KeyForURL(u *url.URL, scope string) CacheKey {
	return CacheKey{
		Host:        u.Host,
		Endpoint:    u.Path,
		QueryParams: u.Query(),
		Scope:       scope,
	}
}

// Fingerprint returns a short, non-reversible identifier of a credential.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// String generates a deterministic cache key string.
// Format: relay:host:endpoint:query1=val1,val2:scope=abcd
//
// Example:
//
//	relay:api.vimeo.com:users/1/folders/2/videos:page=2:per_page=50:scope=9f86d081884c7d65
func (k CacheKey) String() string {
	parts := []string{"relay"}

	if k.Host != "" {
		parts = append(parts, k.Host)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
