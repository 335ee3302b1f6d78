package tweetstore

import (
	"context"

	"github.com/illmade-knight/go-tweetprocess/pkg/cache"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
)

// CachedPersister answers StatusIgnored for ids it has already seen persisted,
// without opening a transaction. Misses and cache failures go to the wrapped
// Persister, which stays the source of truth.
type CachedPersister struct {
	next   Persister
	seen   cache.IDCache[int64]
	logger zerolog.Logger
}

// NewCachedPersister wraps next with the seen cache.
func NewCachedPersister(next Persister, seen cache.IDCache[int64], logger zerolog.Logger) *CachedPersister {
	return &CachedPersister{
		next:   next,
		seen:   seen,
		logger: logger.With().Str("component", "CachedPersister").Logger(),
	}
}

func (p *CachedPersister) Persist(ctx context.Context, tweet types.Tweet, screenName string) (Status, error) {
	hit, err := p.seen.Contains(ctx, tweet.ID)
	if err != nil {
		p.logger.Warn().Err(err).Int64("tweet_id", tweet.ID).Msg("Seen cache lookup failed, falling back to the database")
	}
	if hit {
		return StatusIgnored, nil
	}

	status, err := p.next.Persist(ctx, tweet, screenName)
	if err != nil {
		return "", err
	}

	if err := p.seen.Add(ctx, tweet.ID); err != nil {
		p.logger.Warn().Err(err).Int64("tweet_id", tweet.ID).Msg("Failed to record tweet in seen cache")
	}
	return status, nil
}
