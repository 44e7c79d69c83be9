// Package cache provides a Redis-backed cache of upstream API responses
// with ETag and Last-Modified revalidation.
//
// The relay client consults the cache before every upstream GET:
//
//	manager := cache.NewManager(redisClient)
//	key := cache.KeyForURL(req.URL, cache.Fingerprint(accessToken))
//
//	entry, err := manager.Get(ctx, key)
//	if err == nil && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// A 304 Not Modified answer is served from entry.Data. A 200 answer is
// stored with cache.ResponseToEntry when cache.Cacheable allows it. Each
// entry is a Redis hash whose key expires with the entry: Cache-Control
// max-age first, then Expires, then the configured default TTL.
//
// Keys include a fingerprint of the credential so that responses fetched
// with one token are never served to a caller using another.
//
// # Metrics
//
//   - relay_cache_hits_total{layer="redis"}
//   - relay_cache_misses_total
//   - relay_cache_size_bytes{layer="redis"}
//   - relay_cache_304_responses_total
//   - relay_cache_conditional_requests_total
//   - relay_cache_errors_total{operation}
package cache
