package main

import (
	"fmt"

	"github.com/illmade-knight/go-tweetprocess/pkg/config"
	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/metrics"
	"github.com/illmade-knight/go-tweetprocess/pkg/timeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/tweetfetch"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/spf13/cobra"
)

func (a *application) newFetchCommand() *cobra.Command {
	cfg := config.NewFetchConfigDefaults("")
	var exchangeType string

	cmd := &cobra.Command{
		Use:   "fetch <screenName>",
		Short: "Publish the timeline of screenName to the broker",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := messagepipeline.ParseExchangeType(exchangeType)
			if err != nil {
				return usageError{err}
			}
			cfg.Exchange.ExchangeType = t
			cfg.Cursor.ScreenName = args[0]
			cfg.Common = a.commonFor(cfg.Common)
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}
			return a.runFetch(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Exchange.ExchangeName, "queue-fetch-exchange-name",
		config.EnvString("queue-fetch-exchange-name", cfg.Exchange.ExchangeName), "Exchange tweets are published to")
	flags.StringVar(&exchangeType, "queue-fetch-exchange-type",
		config.EnvString("queue-fetch-exchange-type", string(cfg.Exchange.ExchangeType)), "Exchange type: direct|fanout|topic")
	flags.BoolVar(&cfg.Exchange.Assert, "queue-fetch-assert",
		config.EnvBool("queue-fetch-assert", cfg.Exchange.Assert), "Declare the exchange if missing instead of only checking it")
	flags.StringVar(&cfg.Exchange.AppID, "queue-fetch-app-id",
		config.EnvString("queue-fetch-app-id", cfg.Exchange.AppID), "appId property of published messages")
	flags.StringVar(&cfg.Exchange.MessageType, "queue-fetch-message-type",
		config.EnvString("queue-fetch-message-type", cfg.Exchange.MessageType), "type property of published messages")
	flags.IntVar(&cfg.Prefetch, "queue-fetch-prefetch",
		config.EnvInt("queue-fetch-prefetch", cfg.Prefetch), "Channel prefetch limit")
	flags.StringVar(&cfg.Twitter.ConsumerKey, "twitter-consumer-key", config.EnvString("twitter-consumer-key", ""), "Timeline API consumer key")
	flags.StringVar(&cfg.Twitter.ConsumerSecret, "twitter-consumer-secret", config.EnvString("twitter-consumer-secret", ""), "Timeline API consumer secret")
	flags.StringVar(&cfg.Twitter.AccessTokenKey, "twitter-access-token-key", config.EnvString("twitter-access-token-key", ""), "Timeline API access token key")
	flags.StringVar(&cfg.Twitter.AccessTokenSecret, "twitter-access-token-secret", config.EnvString("twitter-access-token-secret", ""), "Timeline API access token secret")
	flags.IntVar(&cfg.Cursor.MaxBatchSize, "twitter-max-batch-size",
		config.EnvInt("twitter-max-batch-size", cfg.Cursor.MaxBatchSize), "Tweets requested per page, at most 200")
	flags.StringVar(&cfg.Twitter.APIURL, "twitter-api-url",
		config.EnvString("twitter-api-url", cfg.Twitter.APIURL), "Base URL of the timeline API")
	return cmd
}

func (a *application) runFetch(cmd *cobra.Command, cfg config.FetchConfig) error {
	ctx := cmd.Context()
	logger := a.logger.With().Str("command", "fetch").Logger()

	metricsClient, err := metrics.NewClient(cfg.Metrics, logger)
	if err != nil {
		return usageError{err}
	}
	fetchMetrics, err := metrics.NewFetchMetrics(metricsClient.Registry())
	if err != nil {
		return fmt.Errorf("failed to register fetch metrics: %w", err)
	}
	metricsClient.Start(ctx)
	defer closeMetrics(ctx, metricsClient, cfg.Metrics.PushInterval, logger)

	client, err := timeline.NewTwitterClient(ctx, cfg.Twitter, logger)
	if err != nil {
		return usageError{err}
	}

	channel, err := messagepipeline.NewChannelFactory(nil, logger).Open(ctx, cfg.QueueURL, cfg.Prefetch)
	if err != nil {
		return err
	}
	sink, err := messagepipeline.NewExchangeSink[types.Tweet](ctx, channel, cfg.Exchange, nil, logger)
	if err != nil {
		_ = channel.Close(true)
		return err
	}
	defer func() {
		if err := sink.Close(true); err != nil {
			logger.Warn().Err(err).Msg("Failed to close exchange sink")
		}
	}()

	service, err := tweetfetch.NewService(client, sink, cfg.Cursor, fetchMetrics.For(cfg.Twitter.ConsumerKey, cfg.Cursor.ScreenName), logger)
	if err != nil {
		return err
	}

	count, err := service.Run(ctx)
	logger.Info().Int("published", count).Str("screen_name", cfg.Cursor.ScreenName).Msg("Fetch finished")
	return err
}
