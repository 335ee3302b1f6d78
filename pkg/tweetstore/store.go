// Package tweetstore persists consumed tweets into Postgres. Persisting is
// idempotent, so a redelivered message is acknowledged like a new one.
package tweetstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Status is the outcome of persisting one tweet.
type Status string

const (
	// StatusInserted means the tweet was new and has been written.
	StatusInserted Status = "inserted"
	// StatusIgnored means a row with the same id already existed.
	StatusIgnored Status = "ignored"
)

const (
	checkTweetSQL  = `SELECT COUNT(tweet_id) FROM raw_tweets WHERE tweet_id = $1`
	insertTweetSQL = `INSERT INTO raw_tweets (tweet_id, screen_name, content) VALUES ($1, $2, $3) ON CONFLICT (tweet_id) DO NOTHING`
)

// Persister stores a tweet once.
type Persister interface {
	Persist(ctx context.Context, tweet types.Tweet, screenName string) (Status, error)
}

// TxStarter is satisfied by *pgxpool.Pool and by test doubles.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StoreError reports a failed store transaction.
type StoreError struct {
	Op      string
	TweetID int64
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to %s tweet %d: %v", e.Op, e.TweetID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PostgresStore persists tweets into the raw_tweets table:
//
//	raw_tweets(tweet_id BIGINT PRIMARY KEY, screen_name TEXT, content JSONB)
type PostgresStore struct {
	db     TxStarter
	logger zerolog.Logger
}

// NewPostgresStore creates a store on top of db.
func NewPostgresStore(db TxStarter, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "PostgresStore").Logger(),
	}
}

// Persist checks for the tweet and inserts it if absent, in one transaction.
// The insert also tolerates a concurrent insert of the same id by another store
// instance, which is reported as StatusIgnored.
func (s *PostgresStore) Persist(ctx context.Context, tweet types.Tweet, screenName string) (Status, error) {
	content, err := json.Marshal(tweet)
	if err != nil {
		return "", &StoreError{Op: "encode", TweetID: tweet.ID, Err: err}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", &StoreError{Op: "begin transaction for", TweetID: tweet.ID, Err: err}
	}

	status, err := s.checkAndInsert(ctx, tx, tweet, screenName, content)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn().Err(rbErr).Int64("tweet_id", tweet.ID).Msg("Failed to roll back transaction")
		}
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", &StoreError{Op: "commit", TweetID: tweet.ID, Err: err}
	}
	return status, nil
}

func (s *PostgresStore) checkAndInsert(ctx context.Context, tx pgx.Tx, tweet types.Tweet, screenName string, content []byte) (Status, error) {
	var count int64
	if err := tx.QueryRow(ctx, checkTweetSQL, tweet.ID).Scan(&count); err != nil {
		return "", &StoreError{Op: "check", TweetID: tweet.ID, Err: err}
	}
	if count > 0 {
		return StatusIgnored, nil
	}

	tag, err := tx.Exec(ctx, insertTweetSQL, tweet.ID, screenName, content)
	if err != nil {
		return "", &StoreError{Op: "insert", TweetID: tweet.ID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return StatusIgnored, nil
	}
	return StatusInserted, nil
}

// NewPool connects to Postgres and verifies the connection.
func NewPool(ctx context.Context, connString string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid database connection string: %w", err)
	}
	target := fmt.Sprintf("%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &messagepipeline.ConnectivityError{Op: "connect database", Target: target, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &messagepipeline.ConnectivityError{Op: "connect database", Target: target, Err: err}
	}
	logger.Info().Str("database", target).Msg("Connected to database")
	return pool, nil
}
