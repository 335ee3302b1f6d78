// Package tweetfetch pages through one user's timeline and publishes every tweet
// to the broker.
package tweetfetch

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/timeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
)

// ScreenNameHeader is the message header naming the timeline a tweet came from.
const ScreenNameHeader = "screenName"

// RoutingKey is the routing key of tweets published for screenName.
func RoutingKey(screenName string) string {
	return "tweet." + screenName
}

// Recorder receives the request and tweet events of a fetch and its duration.
type Recorder interface {
	timeline.Recorder
	FetchFinished(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RequestStarted()             {}
func (nopRecorder) RequestFailed()              {}
func (nopRecorder) RequestSucceeded()           {}
func (nopRecorder) TweetFetched()               {}
func (nopRecorder) FetchFinished(time.Duration) {}

// Service runs a single fetch of one timeline.
type Service struct {
	client    timeline.Client
	publisher messagepipeline.MessagePublisher[types.Tweet]
	cfg       timeline.CursorConfig
	recorder  Recorder
	logger    zerolog.Logger
}

// NewService creates a fetch service. A nil recorder disables metrics.
func NewService(
	client timeline.Client,
	publisher messagepipeline.MessagePublisher[types.Tweet],
	cfg timeline.CursorConfig,
	recorder Recorder,
	logger zerolog.Logger,
) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("timeline client cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.ScreenName == "" {
		return nil, fmt.Errorf("screen name is required")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		client:    client,
		publisher: publisher,
		cfg:       cfg,
		recorder:  recorder,
		logger:    logger.With().Str("service", "TweetFetch").Str("screen_name", cfg.ScreenName).Logger(),
	}, nil
}

// Run fetches the timeline from the newest tweet backwards and publishes each
// tweet before the next page is requested. It returns the number of tweets
// published, also when it stops on an error. Cancelling ctx stops the fetch
// before the next page.
func (s *Service) Run(ctx context.Context) (int, error) {
	cursor, err := timeline.NewCursor(s.client, s.cfg, s.recorder, s.logger)
	if err != nil {
		return 0, err
	}

	routingKey := RoutingKey(s.cfg.ScreenName)
	headers := map[string]any{ScreenNameHeader: s.cfg.ScreenName}
	start := time.Now()
	published := 0

	s.logger.Info().Str("routing_key", routingKey).Msg("Fetching tweets")
	defer func() {
		s.recorder.FetchFinished(time.Since(start))
	}()

	for tweet, err := range cursor.Tweets(ctx) {
		if err != nil {
			s.logger.Error().Err(err).Int("published", published).Msg("Fetching tweets stopped on error")
			return published, err
		}

		id := tweet.IDString()
		err = s.publisher.Publish(ctx, tweet, routingKey, id, messagepipeline.PublishOptions{
			CorrelationID: id,
			Headers:       headers,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("msg_id", id).Int("published", published).Msg("Failed to publish tweet")
			return published, err
		}
		published++
	}

	s.logger.Info().Int("published", published).Dur("duration", time.Since(start)).Msg("Finished fetching tweets")
	return published, nil
}
