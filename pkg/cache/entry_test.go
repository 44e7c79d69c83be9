package cache

import (
	"strconv"
	"testing"
	"time"
)

func TestCacheEntry_IsExpired(t *testing.T) {
	if (&CacheEntry{Expires: time.Now().Add(time.Minute)}).IsExpired() {
		t.Error("future entry reported as expired")
	}
	if !(&CacheEntry{Expires: time.Now().Add(-time.Minute)}).IsExpired() {
		t.Error("past entry not reported as expired")
	}
}

func TestCacheEntry_TTL(t *testing.T) {
	if ttl := (&CacheEntry{Expires: time.Now().Add(-time.Minute)}).TTL(); ttl != 0 {
		t.Errorf("TTL of expired entry = %v, want 0", ttl)
	}
	ttl := (&CacheEntry{Expires: time.Now().Add(time.Hour)}).TTL()
	if ttl <= 59*time.Minute || ttl > time.Hour {
		t.Errorf("TTL = %v, want about 1h", ttl)
	}
}

// stringFields mimics what HGetAll returns for a stored entry.
func stringFields(e *CacheEntry) map[string]string {
	out := map[string]string{}
	for k, v := range e.fields() {
		switch v := v.(type) {
		case []byte:
			out[k] = string(v)
		case string:
			out[k] = v
		case int:
			out[k] = strconv.Itoa(v)
		case int64:
			out[k] = strconv.FormatInt(v, 10)
		}
	}
	return out
}

func TestEntryFields_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	entry := &CacheEntry{
		Data:         []byte(`{"data":[]}`),
		ETag:         `W/"abc"`,
		LastModified: now.Add(-time.Hour),
		Expires:      now.Add(time.Minute),
		StatusCode:   200,
		CachedAt:     now,
	}

	got, err := parseEntry(stringFields(entry))
	if err != nil {
		t.Fatalf("parseEntry() error = %v", err)
	}
	if string(got.Data) != string(entry.Data) || got.ETag != entry.ETag || got.StatusCode != 200 {
		t.Errorf("parseEntry() = %+v, want %+v", got, entry)
	}
	if !got.LastModified.Equal(entry.LastModified) || !got.Expires.Equal(entry.Expires) || !got.CachedAt.Equal(entry.CachedAt) {
		t.Errorf("times differ: got %+v, want %+v", got, entry)
	}
}

func TestParseEntry_ZeroLastModified(t *testing.T) {
	expires := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	fields := map[string]string{
		fieldData:         `{"uri":"/videos/1"}`,
		fieldETag:         `"v1"`,
		fieldLastModified: "0",
		fieldStatus:       "200",
		fieldCachedAt:     "0",
		fieldExpires:      formatMilli(expires),
	}

	entry, err := parseEntry(fields)
	if err != nil {
		t.Fatalf("parseEntry() error = %v", err)
	}
	if !entry.LastModified.IsZero() {
		t.Errorf("LastModified = %v, want zero", entry.LastModified)
	}
	if !entry.Expires.Equal(expires) {
		t.Errorf("Expires = %v, want %v", entry.Expires, expires)
	}
	if entry.StatusCode != 200 || entry.ETag != `"v1"` || string(entry.Data) != `{"uri":"/videos/1"}` {
		t.Errorf("parseEntry() = %+v", entry)
	}
}

func TestParseEntry_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"no data":     {fieldStatus: "200", fieldExpires: "1"},
		"bad status":  {fieldData: "{}", fieldStatus: "ok", fieldExpires: "1", fieldLastModified: "0", fieldCachedAt: "0"},
		"bad expires": {fieldData: "{}", fieldStatus: "200", fieldExpires: "soon", fieldLastModified: "0", fieldCachedAt: "0"},
	}

	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseEntry(fields); err == nil {
				t.Error("parseEntry() error = nil, want error")
			}
		})
	}
}

func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
