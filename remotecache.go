package zarr

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
)

// RemoteCache is a byte cache shared between processes reading the same
// stores. Only found content is stored in it.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

// remoteKey digests a store URL and a cache key into a fixed-size key.
func remoteKey(storeURL, ck string) string {
	sum := blake3.Sum256([]byte(storeURL + "|" + ck))
	return hex.EncodeToString(sum[:])
}

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisCache stores raw store content in redis under Prefix+digest keys.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ RemoteCache = (*RedisCache)(nil)

func NewRedisCache(cfg RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheFromClient(client, cfg.Prefix, cfg.TTL)
}

// NewRedisCacheFromClient uses an existing client. A zero ttl keeps entries
// until redis evicts them.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte) error {
	return c.client.Set(ctx, c.prefix+key, val, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
