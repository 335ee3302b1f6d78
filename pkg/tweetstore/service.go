package tweetstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
)

// ScreenNameHeader is the message header naming the timeline a tweet came from.
const ScreenNameHeader = "screenName"

// Recorder receives the outcome of every persisted message.
type Recorder interface {
	TweetStored(userID, screenName, status string)
}

type nopRecorder struct{}

func (nopRecorder) TweetStored(string, string, string) {}

// NewTweetStoreService wires a consumer of tweets to the persister through a
// worker pool. A message is acknowledged after its tweet is persisted, whether
// it was inserted or already present.
func NewTweetStoreService(
	cfg messagepipeline.StreamingServiceConfig,
	consumer messagepipeline.MessageConsumer[types.Tweet],
	persister Persister,
	recorder Recorder,
	logger zerolog.Logger,
) (*messagepipeline.StreamingService[types.Tweet], error) {
	if persister == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger = logger.With().Str("service", "TweetStore").Logger()

	processor := func(ctx context.Context, msg *messagepipeline.IncomingMessage[types.Tweet], tweet types.Tweet) error {
		screenName := msg.Header(ScreenNameHeader)
		status, err := persister.Persist(ctx, tweet, screenName)
		if err != nil {
			return err
		}
		recorder.TweetStored(strconv.FormatInt(tweet.UserID, 10), screenName, string(status))

		event := logger.Info().Int64("tweet_id", tweet.ID).Str("screen_name", screenName).Str("msg_id", msg.MessageID)
		if status == StatusInserted {
			event.Msg("Tweet has been inserted")
		} else {
			event.Msg("Tweet already exists in the database, ignoring")
		}
		return nil
	}

	return messagepipeline.NewStreamingService[types.Tweet](cfg, consumer, processor, logger)
}
