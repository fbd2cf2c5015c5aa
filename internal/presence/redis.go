package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pollchat/internal/logger"
	"pollchat/internal/redis"
)

const maxWatchRetries = 5

// RedisStore keeps each session's set as one JSON value whose expiry is
// refreshed on every write. Updates use WATCH/MULTI so concurrent writers to
// the same key retry instead of overwriting each other.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisStore(client *redis.Client, log *zap.Logger) (*RedisStore, error) {
	if client == nil || client.Raw() == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisStore{client: client, log: logger.OrNop(log)}, nil
}

// stored as unix millis keyed by decimal user id
type wireEntries map[string]int64

func (r *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(Entries) Entries) error {
	raw := r.client.Raw()
	txf := func(tx *goredis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		current := r.decode(key, payload)
		next := fn(current)

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			data, err := encode(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := raw.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return fmt.Errorf("update %s: too much contention", key)
}

func (r *RedisStore) Load(ctx context.Context, key string) (Entries, error) {
	payload, err := r.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return Entries{}, nil
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return r.decode(key, payload), nil
}

// A corrupt value is treated as an empty set; the next write replaces it.
func (r *RedisStore) decode(key, payload string) Entries {
	out := Entries{}
	if payload == "" {
		return out
	}
	var wire wireEntries
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		r.log.Warn("presence decode failed", zap.String("key", key), zap.Error(err))
		return out
	}
	for k, ms := range wire {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = time.UnixMilli(ms)
	}
	return out
}

func encode(entries Entries) ([]byte, error) {
	wire := make(wireEntries, len(entries))
	for id, at := range entries {
		wire[strconv.FormatInt(id, 10)] = at.UnixMilli()
	}
	return json.Marshal(wire)
}
