package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get for absent keys.
var ErrCacheMiss = errors.New("ledger: cache miss")

// Cache is a shared short-lived replay cache.  Entries are only ever written
// after the durable record is finished, so a hit is always safe to replay.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// RedisCache stores replay entries in redis, shared by every gate instance.
type RedisCache struct {
	rdb redis.Cmdable
}

// NewRedisCache returns nil when rdb is nil so callers can pass the result
// straight to New and run without a cache.
func NewRedisCache(rdb *redis.Client) Cache {
	if rdb == nil {
		return nil
	}
	return &RedisCache{rdb: rdb}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func cacheKey(key, pipeline string) string {
	return "idem:" + pipeline + ":" + key
}

// encodeEntry packs: [4 bytes status][body]
func encodeEntry(status int, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	copy(out[4:], body)
	return out
}

func decodeEntry(bs []byte) (int, []byte, bool) {
	if len(bs) < 4 {
		return 0, nil, false
	}
	status := int(binary.BigEndian.Uint32(bs[0:4]))
	if status < 100 || status > 599 {
		return 0, nil, false
	}
	return status, bs[4:], true
}
