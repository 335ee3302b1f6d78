package main

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-tweetprocess/pkg/cache"
	"github.com/illmade-knight/go-tweetprocess/pkg/config"
	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/metrics"
	"github.com/illmade-knight/go-tweetprocess/pkg/microservice"
	"github.com/illmade-knight/go-tweetprocess/pkg/tweetstore"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const storeShutdownTimeout = 30 * time.Second

func (a *application) newStoreCommand() *cobra.Command {
	cfg := config.NewStoreConfigDefaults()
	var cacheKind string

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Consume tweets from the broker and store them in Postgres",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := config.ParseCacheKind(cacheKind)
			if err != nil {
				return usageError{err}
			}
			cfg.Cache.Kind = kind
			cfg.Common = a.commonFor(cfg.Common)
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}
			return a.runStore(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Queue.ExchangeName, "queue-store-exchange-name",
		config.EnvString("queue-store-exchange-name", cfg.Queue.ExchangeName), "Exchange the queue is bound to")
	flags.StringVar(&cfg.Queue.QueueName, "queue-store-queue-name",
		config.EnvString("queue-store-queue-name", cfg.Queue.QueueName), "Queue consumed by the store")
	flags.StringVar(&cfg.Queue.RoutingPattern, "queue-store-routing-pattern",
		config.EnvString("queue-store-routing-pattern", cfg.Queue.RoutingPattern), "Routing pattern binding the queue")
	flags.IntVar(&cfg.Prefetch, "queue-store-prefetch",
		config.EnvInt("queue-store-prefetch", cfg.Prefetch), "Unacknowledged messages in flight, also the number of workers")
	flags.StringVar(&cfg.DatabaseConnection, "database-connection-string",
		config.EnvString("database-connection-string", ""), "Postgres connection string")
	flags.StringVar(&cacheKind, "store-cache",
		config.EnvString("store-cache", string(cfg.Cache.Kind)), "Cache of stored tweet ids: none|lru|redis")
	flags.IntVar(&cfg.Cache.Size, "store-cache-size",
		config.EnvInt("store-cache-size", cfg.Cache.Size), "Capacity of the lru cache")
	flags.StringVar(&cfg.Cache.Redis.Addr, "redis-addr",
		config.EnvString("redis-addr", cfg.Cache.Redis.Addr), "Redis address of the redis cache")
	flags.DurationVar(&cfg.Cache.Redis.CacheTTL, "redis-ttl",
		config.EnvDuration("redis-ttl", cfg.Cache.Redis.CacheTTL), "Expiry of ids in the redis cache")
	flags.StringVar(&cfg.HTTPAddr, "http-addr",
		config.EnvString("http-addr", cfg.HTTPAddr), "Address serving /healthz and /metrics; empty disables it")
	return cmd
}

func (a *application) runStore(cmd *cobra.Command, cfg config.StoreConfig) error {
	ctx := cmd.Context()
	logger := a.logger.With().Str("command", "store").Logger()

	metricsClient, err := metrics.NewClient(cfg.Metrics, logger)
	if err != nil {
		return usageError{err}
	}
	storeMetrics, err := metrics.NewStoreMetrics(metricsClient.Registry())
	if err != nil {
		return fmt.Errorf("failed to register store metrics: %w", err)
	}
	metricsClient.Start(ctx)
	defer closeMetrics(ctx, metricsClient, cfg.Metrics.PushInterval, logger)

	pool, err := tweetstore.NewPool(ctx, cfg.DatabaseConnection, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	var persister tweetstore.Persister = tweetstore.NewPostgresStore(pool, logger)
	seen, err := newSeenCache(cmd, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if seen != nil {
		defer func() { _ = seen.Close() }()
		persister = tweetstore.NewCachedPersister(persister, seen, logger)
	}

	channel, err := messagepipeline.NewChannelFactory(nil, logger).Open(ctx, cfg.QueueURL, cfg.Prefetch)
	if err != nil {
		return err
	}
	queue, err := messagepipeline.NewSourceQueue[types.Tweet](ctx, channel, cfg.Queue, nil, logger)
	if err != nil {
		_ = channel.Close(true)
		return err
	}
	defer func() {
		if err := queue.Close(true); err != nil {
			logger.Warn().Err(err).Msg("Failed to close source queue")
		}
	}()

	service, err := tweetstore.NewTweetStoreService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.Prefetch},
		queue, persister, storeMetrics, logger,
	)
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		server := microservice.NewBaseServer(logger, cfg.HTTPAddr, service, metricsClient.Registry())
		if err := server.Start(); err != nil {
			return usageError{err}
		}
		defer func() {
			shutdownCtx, cancel := shutdownContext(ctx, 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	storeMetrics.ServiceStarted()
	logger.Info().Str("queue", cfg.Queue.QueueName).Int("prefetch", cfg.Prefetch).Msg("Store service started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, stopping store service")
		stopCtx, cancel := shutdownContext(ctx, storeShutdownTimeout)
		defer cancel()
		if err := service.Stop(stopCtx); err != nil {
			return fmt.Errorf("failed to stop store service: %w", err)
		}
	case <-service.Done():
	}
	return service.Err()
}

// newSeenCache returns nil when no cache is configured.
func newSeenCache(cmd *cobra.Command, cfg config.CacheConfig, logger zerolog.Logger) (cache.IDCache[int64], error) {
	switch cfg.Kind {
	case config.CacheLRU:
		seen, err := cache.NewInMemoryLRUCache[int64](cfg.Size)
		if err != nil {
			return nil, usageError{err}
		}
		return seen, nil
	case config.CacheRedis:
		seen, err := cache.NewRedisCache[int64](cmd.Context(), &cfg.Redis, logger)
		if err != nil {
			return nil, &messagepipeline.ConnectivityError{Op: "connect cache", Target: cfg.Redis.Addr, Err: err}
		}
		return seen, nil
	default:
		return nil, nil
	}
}
