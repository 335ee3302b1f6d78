//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-tweetprocess/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("TWEET_PROC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWEET_PROC_TEST_REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := cache.NewRedisConfigDefaults()
	cfg.Addr = addr
	cfg.CacheTTL = time.Second
	cfg.KeyPrefix = "tweetprocess:test:" + time.Now().Format("150405.000000") + ":"

	c, err := cache.NewRedisCache[int64](ctx, &cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	t.Run("Add then Contains", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, 42))

		hit, err := c.Contains(ctx, 42)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("Unknown id is a miss", func(t *testing.T) {
		hit, err := c.Contains(ctx, 43)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("Ids expire", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, 44))

		assert.Eventually(t, func() bool {
			hit, err := c.Contains(ctx, 44)
			return err == nil && !hit
		}, 5*time.Second, 100*time.Millisecond)
	})
}
