//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestManager_Integration(t *testing.T) {
	rdb := startRedis(t)

	t.Run("set get delete", func(t *testing.T) { runManagerSetGet(t, rdb) })
	t.Run("update ttl", func(t *testing.T) { runManagerUpdateTTL(t, rdb) })

	t.Run("redis expires the hash", func(t *testing.T) {
		manager := NewManager(rdb)
		ctx := context.Background()
		key := CacheKey{Endpoint: "/videos/short"}

		entry := &CacheEntry{Data: []byte("{}"), StatusCode: 200, Expires: time.Now().Add(200 * time.Millisecond)}
		if err := manager.Set(ctx, key, entry); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		time.Sleep(400 * time.Millisecond)
		if n, _ := rdb.Exists(ctx, key.String()).Result(); n != 0 {
			t.Error("hash still present after expiry")
		}
	})
}
