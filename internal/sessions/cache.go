package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pollchat/internal/logger"
	"pollchat/internal/models"
	"pollchat/internal/redis"
)

const defaultCacheTTL = 10 * time.Minute

// Cache keeps session metadata in redis so access checks on every poll skip
// the database. A nil *Cache is a valid no-op cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl, log: logger.OrNop(log)}
}

func cacheKey(id int64) string {
	return fmt.Sprintf("pollchat:session:%d", id)
}

func (c *Cache) store(ctx context.Context, session *models.Session) {
	if c == nil || session == nil || session.ID <= 0 {
		return
	}
	if err := c.client.SetJSON(ctx, cacheKey(session.ID), session, c.ttl); err != nil {
		c.log.Warn("cache session failed", zap.Int64("session_id", session.ID), zap.Error(err))
	}
}

func (c *Cache) load(ctx context.Context, id int64) (*models.Session, bool) {
	if c == nil || id <= 0 {
		return nil, false
	}
	var session models.Session
	if err := c.client.GetJSON(ctx, cacheKey(id), &session); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn("load cached session failed", zap.Int64("session_id", id), zap.Error(err))
		}
		return nil, false
	}
	if session.ID != id {
		return nil, false
	}
	return &session, true
}

func (c *Cache) invalidate(ctx context.Context, id int64) {
	if c == nil || id <= 0 {
		return
	}
	if err := c.client.Del(ctx, cacheKey(id)); err != nil {
		c.log.Warn("invalidate cached session failed", zap.Int64("session_id", id), zap.Error(err))
	}
}
