// Package catalog resolves product summaries shown next to a chat session.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pollchat/internal/logger"
	"pollchat/internal/models"
	"pollchat/internal/redis"
)

// Catalog looks up products by id.
type Catalog interface {
	Get(ctx context.Context, id int64) (*models.Product, bool, error)
}

// SQLCatalog reads the products table, optionally through redis.
type SQLCatalog struct {
	db       *sql.DB
	cache    *redis.Client
	cacheTTL time.Duration
	log      *zap.Logger
}

type Option func(*SQLCatalog)

// WithCache enables a read-through cache. A nil client leaves caching off.
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(c *SQLCatalog) {
		if client == nil || ttl <= 0 {
			return
		}
		c.cache = client
		c.cacheTTL = ttl
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *SQLCatalog) { c.log = logger.OrNop(log) }
}

func NewSQLCatalog(db *sql.DB, opts ...Option) *SQLCatalog {
	c := &SQLCatalog{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(id int64) string {
	return fmt.Sprintf("pollchat:product:%d", id)
}

// Get returns the product, or found=false when it does not exist.
func (c *SQLCatalog) Get(ctx context.Context, id int64) (*models.Product, bool, error) {
	if id <= 0 {
		return nil, false, nil
	}
	if c.cache != nil {
		var cached models.Product
		err := c.cache.GetJSON(ctx, cacheKey(id), &cached)
		if err == nil && cached.ID == id {
			return &cached, true, nil
		}
		if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn("load cached product failed", zap.Int64("product_id", id), zap.Error(err))
		}
	}

	var p models.Product
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, price, image_url, permalink, linked_session_id FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.ImageURL, &p.Permalink, &p.LinkedSessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get product: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey(id), p, c.cacheTTL); err != nil {
			c.log.Warn("cache product failed", zap.Int64("product_id", id), zap.Error(err))
		}
	}
	return &p, true, nil
}

// Add inserts a product and returns it with its id.
func (c *SQLCatalog) Add(ctx context.Context, p models.Product) (*models.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, errors.New("product name is required")
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO products (name, price, image_url, permalink, linked_session_id, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		p.Name, p.Price, p.ImageURL, p.Permalink, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("product id: %w", err)
	}
	p.ID = id
	p.LinkedSessionID = 0
	return &p, nil
}

// Invalidate drops the cached copy of the product.
func (c *SQLCatalog) Invalidate(ctx context.Context, id int64) {
	if c.cache == nil || id <= 0 {
		return
	}
	if err := c.cache.Del(ctx, cacheKey(id)); err != nil {
		c.log.Warn("invalidate cached product failed", zap.Int64("product_id", id), zap.Error(err))
	}
}
