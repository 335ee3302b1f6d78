package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL bounds how long a key is remembered. Zero keeps keys until evicted
	// by the server's memory policy.
	CacheTTL time.Duration
	// KeyPrefix namespaces the keys so several caches can share one database.
	KeyPrefix string
}

// NewRedisConfigDefaults provides a config for a local Redis remembering keys for a day.
func NewRedisConfigDefaults() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		CacheTTL:  24 * time.Hour,
		KeyPrefix: "tweetprocess:stored:",
	}
}

// RedisCache is a distributed IDCache using Redis, so that several store
// instances share what they have persisted.
type RedisCache[K comparable] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisCache creates and connects a new RedisCache.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisCache[K comparable](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisCache[K], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisCache[K]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
	}, nil
}

func (c *RedisCache[K]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Contains checks for the key with EXISTS.
func (c *RedisCache[K]) Contains(ctx context.Context, key K) (bool, error) {
	stringKey := c.key(key)
	n, err := c.redisClient.Exists(ctx, stringKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed for key %s: %w", stringKey, err)
	}
	if n > 0 {
		c.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
	}
	return n > 0, nil
}

// Add stores the key with the configured TTL.
func (c *RedisCache[K]) Add(ctx context.Context, key K) error {
	stringKey := c.key(key)
	if err := c.redisClient.Set(ctx, stringKey, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s in redis: %w", stringKey, err)
	}
	c.logger.Debug().Str("key", stringKey).Msg("Successfully stored key in Redis cache.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisCache[K]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
