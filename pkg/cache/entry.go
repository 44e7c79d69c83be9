package cache

import (
	"fmt"
	"strconv"
	"time"
)

// Hash fields of a stored entry.
const (
	fieldData         = "data"
	fieldETag         = "etag"
	fieldLastModified = "last_modified"
	fieldStatus       = "status"
	fieldCachedAt     = "cached_at"
	fieldExpires      = "expires"
)

// CacheEntry is a cached upstream response body with its validators.
type CacheEntry struct {
	Data []byte

	// ETag is sent back as If-None-Match.
	ETag string

	// LastModified is sent back as If-Modified-Since when there is no ETag.
	LastModified time.Time

	// Expires is when the entry is dropped.
	Expires time.Time

	StatusCode int
	CachedAt   time.Time
}

// IsExpired reports whether Expires has passed.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	if ttl := time.Until(e.Expires); ttl > 0 {
		return ttl
	}
	return 0
}

// fields encodes the entry as Redis hash fields. Times are Unix milliseconds
// and a zero LastModified is stored as 0.
func (e *CacheEntry) fields() map[string]any {
	return map[string]any{
		fieldData:         e.Data,
		fieldETag:         e.ETag,
		fieldLastModified: unixMilli(e.LastModified),
		fieldStatus:       e.StatusCode,
		fieldCachedAt:     unixMilli(e.CachedAt),
		fieldExpires:      unixMilli(e.Expires),
	}
}

// parseEntry decodes the hash written by fields.
func parseEntry(fields map[string]string) (*CacheEntry, error) {
	data, ok := fields[fieldData]
	if !ok {
		return nil, fmt.Errorf("missing %s field", fieldData)
	}

	entry := &CacheEntry{
		Data: []byte(data),
		ETag: fields[fieldETag],
	}

	var err error
	if entry.StatusCode, err = strconv.Atoi(fields[fieldStatus]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldStatus, err)
	}
	if entry.Expires, err = parseMilli(fields[fieldExpires]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldExpires, err)
	}
	if entry.LastModified, err = parseMilli(fields[fieldLastModified]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldLastModified, err)
	}
	if entry.CachedAt, err = parseMilli(fields[fieldCachedAt]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldCachedAt, err)
	}

	return entry, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMilli(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
