//go:build integration

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/video-relay/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		client.Close()
		redisContainer.Terminate(ctx)
	})

	return client
}

func TestIntegration_ConditionalPagination(t *testing.T) {
	rdb := setupRedisContainer(t)

	var requests, conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"page-1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"page-1"`)
		w.Header().Set("X-RateLimit-Limit", "500")
		w.Header().Set("X-RateLimit-Remaining", "499")
		w.Header().Set("X-RateLimit-Reset", time.Now().Add(time.Minute).UTC().Format(time.RFC3339))
		w.Write([]byte(`{"data":[{"id":"a"}],"paging":{"next":null}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("token")
	cfg.Redis = rdb
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		page, err := c.FetchPage(ctx, server.URL+"/users/1/folders/2/videos")
		if err != nil {
			t.Fatalf("FetchPage #%d failed: %v", i+1, err)
		}
		if len(page.Data) != 1 {
			t.Fatalf("FetchPage #%d returned %d items", i+1, len(page.Data))
		}
	}

	if requests.Load() != 3 {
		t.Errorf("requests = %d, want 3", requests.Load())
	}
	if conditional.Load() != 2 {
		t.Errorf("conditional requests = %d, want 2", conditional.Load())
	}

	state, err := ratelimit.NewTracker(rdb, zerolog.Nop()).GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Remaining != 499 || state.Limit != 500 {
		t.Errorf("rate limit state = %+v", state)
	}
}

func TestIntegration_CacheScopedByCredential(t *testing.T) {
	rdb := setupRedisContainer(t)

	var conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			conditional.Add(1)
		}
		w.Header().Set("ETag", `"v"`)
		w.Write([]byte(`{"name":"x"}`))
	}))
	defer server.Close()

	ctx := context.Background()
	for _, token := range []string{"token-a", "token-b"} {
		cfg := DefaultConfig(token)
		cfg.Redis = rdb
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, err := c.FetchOne(ctx, server.URL+"/videos/1"); err != nil {
			t.Fatalf("FetchOne failed: %v", err)
		}
		c.Close()
	}

	if conditional.Load() != 0 {
		t.Errorf("cache entry leaked across credentials: %d conditional requests", conditional.Load())
	}
}
