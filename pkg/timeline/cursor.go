package timeline

import (
	"context"
	"fmt"
	"iter"

	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
)

// State is the position of a Cursor in its pagination lifecycle.
type State int

const (
	StateInit State = iota
	StateFetching
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFetching:
		return "FETCHING"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Recorder receives observations about API calls and emitted tweets.
type Recorder interface {
	RequestStarted()
	RequestFailed()
	RequestSucceeded()
	TweetFetched()
}

type nopRecorder struct{}

func (nopRecorder) RequestStarted()   {}
func (nopRecorder) RequestFailed()    {}
func (nopRecorder) RequestSucceeded() {}
func (nopRecorder) TweetFetched()     {}

// CursorConfig holds configuration for a Cursor.
type CursorConfig struct {
	ScreenName string
	// MaxBatchSize is the number of tweets requested per page.
	MaxBatchSize int
}

// NewCursorConfigDefaults provides a config requesting the API maximum per page.
func NewCursorConfigDefaults(screenName string) CursorConfig {
	return CursorConfig{
		ScreenName:   screenName,
		MaxBatchSize: 200,
	}
}

// Cursor pages backward through a user timeline. Each page is requested with
// max_id set to the lowest id seen so far; since max_id is inclusive the API
// returns that boundary tweet again, and it is skipped. Pagination ends when a
// page is empty or contains nothing older than the boundary.
//
// A Cursor is single-use and must not be iterated concurrently.
type Cursor struct {
	client   Client
	cfg      CursorConfig
	recorder Recorder
	logger   zerolog.Logger

	state     State
	lastID    int64
	hasLastID bool
	err       error
}

// NewCursor creates a cursor over cfg.ScreenName's timeline. A nil recorder
// discards observations.
func NewCursor(client Client, cfg CursorConfig, recorder Recorder, logger zerolog.Logger) (*Cursor, error) {
	if client == nil {
		return nil, fmt.Errorf("timeline client cannot be nil")
	}
	if cfg.ScreenName == "" {
		return nil, fmt.Errorf("screen name is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = NewCursorConfigDefaults(cfg.ScreenName).MaxBatchSize
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Cursor{
		client:   client,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With().Str("component", "TimelineCursor").Str("screen_name", cfg.ScreenName).Logger(),
		state:    StateInit,
	}, nil
}

// State returns the current pagination state.
func (c *Cursor) State() State { return c.state }

// LastID returns the lowest id seen so far; ok is false before the first
// non-empty page.
func (c *Cursor) LastID() (id int64, ok bool) { return c.lastID, c.hasLastID }

// Err returns the error that moved the cursor to StateError.
func (c *Cursor) Err() error { return c.err }

// Tweets returns the lazy sequence of tweets, newest first. An API failure is
// yielded once as the final element. Cancelling ctx prevents the next page from
// being requested; the request in progress is not interrupted by the cursor.
// Breaking out of the loop stops pagination without further requests.
func (c *Cursor) Tweets(ctx context.Context) iter.Seq2[types.Tweet, error] {
	return func(yield func(types.Tweet, error) bool) {
		if c.state != StateInit {
			return
		}
		c.state = StateFetching
		c.logger.Info().Msg("Started fetching tweets")

		for {
			if err := ctx.Err(); err != nil {
				c.fail(err)
				yield(types.Tweet{}, err)
				return
			}

			page, err := c.fetchPage(ctx)
			if err != nil {
				c.fail(err)
				yield(types.Tweet{}, err)
				return
			}

			if len(page) == 0 {
				c.logger.Info().Msg("No tweets have been fetched, closing producer")
				c.state = StateComplete
				return
			}

			newLastID := page[0].ID
			for _, t := range page[1:] {
				newLastID = min(newLastID, t.ID)
			}
			c.logger.Info().
				Int("count", len(page)).
				Int64("last_id", c.lastID).
				Int64("new_last_id", newLastID).
				Msg("Fetched tweets")

			if c.hasLastID && newLastID >= c.lastID {
				c.logger.Info().Msg("No more tweets to fetch, closing producer")
				c.state = StateComplete
				return
			}

			boundary, hadBoundary := c.lastID, c.hasLastID
			c.lastID, c.hasLastID = newLastID, true

			for _, t := range page {
				if hadBoundary && t.ID == boundary {
					continue
				}
				c.recorder.TweetFetched()
				if !yield(t, nil) {
					c.logger.Info().Msg("Iteration stopped by consumer")
					c.state = StateComplete
					return
				}
			}
		}
	}
}

func (c *Cursor) fetchPage(ctx context.Context) ([]types.Tweet, error) {
	params := TimelineParams{
		ScreenName: c.cfg.ScreenName,
		Count:      c.cfg.MaxBatchSize,
	}
	if c.hasLastID {
		params.MaxID = c.lastID
	}

	c.logger.Debug().Int("count", params.Count).Int64("max_id", params.MaxID).Msg("Fetching tweets through timeline API")
	c.recorder.RequestStarted()
	page, err := c.client.UserTimeline(context.WithoutCancel(ctx), params)
	if err != nil {
		c.recorder.RequestFailed()
		return nil, fmt.Errorf("failed to fetch timeline page of %s: %w", c.cfg.ScreenName, err)
	}
	c.recorder.RequestSucceeded()
	return page, nil
}

func (c *Cursor) fail(err error) {
	c.logger.Error().Err(err).Msg("An error occurred while fetching tweets")
	c.state = StateError
	c.err = err
}
