package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pollchat/internal/config"
	"pollchat/internal/redis"
	"pollchat/internal/storage"
)

type cachedValue struct {
	value string
	ttl   time.Duration
}

// memoryTokenCache records what the service caches and for how long.
type memoryTokenCache struct {
	mu     sync.Mutex
	items  map[string]cachedValue
	getErr error
}

func newMemoryTokenCache() *memoryTokenCache {
	return &memoryTokenCache{items: map[string]cachedValue{}}
}

func (m *memoryTokenCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = cachedValue{value: fmt.Sprint(value), ttl: ttl}
	return nil
}

func (m *memoryTokenCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	item, ok := m.items[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return item.value, nil
}

func (m *memoryTokenCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *memoryTokenCache) lookup(token string) (cachedValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[redisTokenPrefix+token]
	return item, ok
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
		id, fmt.Sprintf("user_%d", id), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func countTokens(t *testing.T, db *sql.DB, userID int64) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE user_id = ?`, userID).Scan(&n); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	return n
}

func TestIssueValidateRevoke(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 1)
	svc := NewService(db, nil, time.Hour)

	if _, err := svc.IssueToken(ctx, 0); err == nil {
		t.Fatalf("expected error for user id 0")
	}
	token, err := svc.IssueToken(ctx, 1)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 32 random bytes hex encoded, got %q", token)
	}
	if userID, err := svc.ValidateToken(ctx, token); err != nil || userID != 1 {
		t.Fatalf("ValidateToken: id=%d err=%v", userID, err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrTokenRequired},
		{"unknown", "deadbeef", ErrInvalidToken},
	}
	for _, tc := range cases {
		if _, err := svc.ValidateToken(ctx, tc.token); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
	if err := svc.RevokeToken(ctx, ""); err != nil {
		t.Fatalf("revoking an empty token is a no-op, got %v", err)
	}
}

func TestRevokeUserTokensKeepsOtherUsers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 1)
	insertUser(t, db, 2)
	cache := newMemoryTokenCache()
	svc := NewService(db, cache, time.Hour)

	a1, _ := svc.IssueToken(ctx, 1)
	a2, _ := svc.IssueToken(ctx, 1)
	b1, err := svc.IssueToken(ctx, 2)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := svc.RevokeUserTokens(ctx, 1); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
	if countTokens(t, db, 1) != 0 || countTokens(t, db, 2) != 1 {
		t.Fatalf("unexpected token rows after revoke all")
	}
	for _, tok := range []string{a1, a2} {
		if _, ok := cache.lookup(tok); ok {
			t.Fatalf("revoked token still cached")
		}
		if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if userID, err := svc.ValidateToken(ctx, b1); err != nil || userID != 2 {
		t.Fatalf("other user's token must survive: id=%d err=%v", userID, err)
	}
}

func TestExpiredTokenIsPurged(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 2)
	svc := NewService(db, nil, time.Hour)

	past := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := db.Exec(
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"stale", 2, past, past.Add(time.Hour),
	); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "stale"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if countTokens(t, db, 2) != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestValidateServesFromCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 10)
	cache := newMemoryTokenCache()
	svc := NewService(db, cache, time.Hour)

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	item, ok := cache.lookup(token)
	if !ok || item.value != "10" || item.ttl != time.Hour {
		t.Fatalf("issued token not cached for its lifetime: %+v ok=%v", item, ok)
	}

	// the cache answers even once the row is gone
	if _, err := db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if userID, err := svc.ValidateToken(ctx, token); err != nil || userID != 10 {
		t.Fatalf("expected cache hit: id=%d err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, ok := cache.lookup(token); ok {
		t.Fatalf("revoke must evict the cached token")
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
}

func TestValidateCachesRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 3)
	cache := newMemoryTokenCache()
	svc := NewService(db, cache, 24*time.Hour)

	now := time.Now().UTC()
	if _, err := db.Exec(
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"warm", 3, now, now.Add(30*time.Minute),
	); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "warm"); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	item, ok := cache.lookup("warm")
	if !ok {
		t.Fatalf("validated token not cached")
	}
	if item.ttl > 30*time.Minute || item.ttl < 29*time.Minute {
		t.Fatalf("cache ttl must follow the row expiry, got %v", item.ttl)
	}
}

func TestCacheFailureFallsBackToDatabase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 4)
	cache := newMemoryTokenCache()
	svc := NewService(db, cache, time.Hour)

	token, err := svc.IssueToken(ctx, 4)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	cache.getErr = errors.New("connection refused")
	if userID, err := svc.ValidateToken(ctx, token); err != nil || userID != 4 {
		t.Fatalf("expected database fallback: id=%d err=%v", userID, err)
	}
}

func TestNilRedisClientDisablesCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertUser(t, db, 5)
	var rdb *redis.Client
	svc := NewService(db, rdb, time.Hour)
	if svc.cache != nil {
		t.Fatalf("nil redis client must leave the cache unset")
	}
	token, err := svc.IssueToken(ctx, 5)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if userID, err := svc.ValidateToken(ctx, token); err != nil || userID != 5 {
		t.Fatalf("ValidateToken: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeUserTokens(ctx, 5); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
}
