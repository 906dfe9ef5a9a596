package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "httpcache:"

// scanBatch is the COUNT hint used when iterating keys.
const scanBatch = 200

// RedisStore keeps JSON records in Redis. Each key gets a Redis TTL covering the
// entry's lifetime plus its stale windows, so dead entries also expire server-side.
// Entries that still carry validators are kept until pruned.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	clock  Clock
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		logger: logging.NewLogger("redis-store"),
	}
}

// Name implements Store.
func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) redisKey(key string) string {
	return r.prefix + key
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := r.redis.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			CacheErrors.WithLabelValues("get").Inc()
			r.logger.Warn().Err(err).Msg("Redis get failed, treating as miss")
		}
		return nil, false
	}

	entry, err := UnmarshalEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		r.logger.Debug().Err(err).Msg("Corrupt redis record treated as miss")
		return nil, false
	}

	if entry.IsDead(r.clock.now()) {
		_ = r.redis.Del(ctx, r.redisKey(key)).Err()
		return nil, false
	}
	return entry, true
}

// Set implements Store. Entries that are already dead are not written.
func (r *RedisStore) Set(ctx context.Context, key string, entry *CacheEntry, ttlOverride time.Duration) error {
	if entry == nil {
		return ErrNilEntry
	}

	now := r.clock.now()
	stored := entry.withRetention(ttlOverride, now)

	// 0 keeps the key without expiry
	var ttl time.Duration
	if deadline, ok := stored.deadline(); ok {
		ttl = deadline.Sub(now)
		if ttl <= 0 {
			return nil
		}
	}

	data, err := MarshalEntry(stored)
	if err != nil {
		return err
	}

	if err := r.redis.Set(ctx, r.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	CacheBytesWritten.WithLabelValues(r.Name()).Add(float64(len(data)))
	return nil
}

// Has implements Store.
func (r *RedisStore) Has(ctx context.Context, key string) bool {
	_, ok := r.Get(ctx, key)
	return ok
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) bool {
	n, err := r.redis.Del(ctx, r.redisKey(key)).Result()
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		r.logger.Warn().Err(err).Msg("Redis delete failed")
		return false
	}
	return n > 0
}

// Clear implements Store. Only keys under the store prefix are removed.
func (r *RedisStore) Clear(ctx context.Context) error {
	return r.scan(ctx, func(keys []string) error {
		if err := r.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	})
}

// Prune implements Store.
func (r *RedisStore) Prune(ctx context.Context) (int, error) {
	now := r.clock.now()
	removed := 0
	err := r.scan(ctx, func(keys []string) error {
		values, err := r.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}

		var expired []string
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// vanished between SCAN and MGET
				continue
			}
			entry, err := UnmarshalEntry([]byte(raw))
			if err != nil || prunable(entry, now) {
				expired = append(expired, keys[i])
			}
		}
		if len(expired) == 0 {
			return nil
		}

		n, err := r.redis.Del(ctx, expired...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

// Count implements Store.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := r.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

// scan calls fn with batches of keys under the store prefix.
func (r *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, r.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
