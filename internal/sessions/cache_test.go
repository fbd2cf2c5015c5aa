package sessions

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"pollchat/internal/config"
	"pollchat/internal/redis"
)

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	if NewCache(nil, time.Minute, nil) != nil {
		t.Fatalf("expected nil cache without client")
	}
	if _, ok := c.load(context.Background(), 1); ok {
		t.Fatalf("nil cache returned a hit")
	}
	c.store(context.Background(), nil)
	c.invalidate(context.Background(), 1)
}

func TestRepositoryUsesRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed session cache tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Enabled: true, Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	db := openTestDB(t)
	repo := NewRepository(db, NewCache(client, time.Minute, nil))
	session, err := repo.Create(ctx, 3, "cached")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = client.Del(ctx, cacheKey(session.ID))
	if _, err := repo.Get(ctx, session.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// served from cache even after the row changes underneath
	if _, err := db.Exec(`UPDATE chat_sessions SET title = 'changed' WHERE id = ?`, session.ID); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.Get(ctx, session.ID)
	if err != nil || got.Title != "cached" {
		t.Fatalf("expected cached title, got %+v err=%v", got, err)
	}

	if err := repo.SetAllowedRoles(ctx, session.ID, []string{"editor"}); err != nil {
		t.Fatalf("SetAllowedRoles: %v", err)
	}
	got, _ = repo.Get(ctx, session.ID)
	if got.Title != "changed" || len(got.AllowedRoles) != 1 {
		t.Fatalf("cache not invalidated: %+v", got)
	}
	_ = client.Del(ctx, cacheKey(session.ID))
}
