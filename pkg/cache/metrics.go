package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics, labelled by storage layer where more than one could apply.
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_cache_hits_total",
		Help: "Total number of upstream response cache hits",
	}, []string{"layer"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_misses_total",
		Help: "Total number of upstream response cache misses",
	})

	// CacheSize only grows; Redis expiry is not observed.
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_cache_size_bytes",
		Help: "Bytes of upstream response bodies written to the cache",
	}, []string{"layer"})

	NotModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_304_responses_total",
		Help: "Total number of upstream 304 Not Modified responses served from cache",
	})

	ConditionalRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_conditional_requests_total",
		Help: "Total number of upstream requests sent with a validator",
	})

	// CacheErrors is labelled get, set, delete or update_ttl.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"})
)
