package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/rs/zerolog"
)

const userTimelinePath = "statuses/user_timeline.json"

// TimelineParams selects one page of a user timeline.
type TimelineParams struct {
	ScreenName string
	// Count is the maximum number of items requested.
	Count int
	// MaxID restricts the page to items with an id lower than or equal to it.
	// Zero omits the parameter.
	MaxID int64
}

// Client fetches pages of a user timeline.
type Client interface {
	UserTimeline(ctx context.Context, params TimelineParams) ([]types.Tweet, error)
}

// APIError is returned for any non-2xx response of the timeline API.
type APIError struct {
	StatusCode int
	// Code and Message are taken from the first entry of the API error body, if any.
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("timeline api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("timeline api returned status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// TwitterConfig holds the credentials and endpoint of the timeline API.
type TwitterConfig struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessTokenKey    string
	AccessTokenSecret string
	// APIURL is the base URL of the REST API, e.g. https://api.twitter.com/1.1.
	APIURL  string
	Timeout time.Duration
}

// NewTwitterConfigDefaults provides the public API endpoint and a request timeout.
func NewTwitterConfigDefaults() TwitterConfig {
	return TwitterConfig{
		APIURL:  "https://api.twitter.com/1.1",
		Timeout: 30 * time.Second,
	}
}

// Validate checks that all credentials are present.
func (c TwitterConfig) Validate() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"consumer key", c.ConsumerKey},
		{"consumer secret", c.ConsumerSecret},
		{"access token key", c.AccessTokenKey},
		{"access token secret", c.AccessTokenSecret},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing twitter credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TwitterClient calls the timeline API with OAuth1 user-context signing.
type TwitterClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     zerolog.Logger
}

// NewTwitterClient creates a client whose requests are signed with the configured
// credentials. The context is only used to build the underlying HTTP client.
func NewTwitterClient(ctx context.Context, cfg TwitterConfig, logger zerolog.Logger) (*TwitterClient, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = NewTwitterConfigDefaults().APIURL
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid twitter api url %q: %w", cfg.APIURL, err)
	}

	config := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret)
	token := oauth1.NewToken(cfg.AccessTokenKey, cfg.AccessTokenSecret)
	httpClient := config.Client(ctx, token)
	httpClient.Timeout = cfg.Timeout

	return &TwitterClient{
		httpClient: httpClient,
		baseURL:    base,
		logger:     logger.With().Str("component", "TwitterClient").Str("api_url", base.String()).Logger(),
	}, nil
}

// UserTimeline requests one page of a user's own tweets, without replies and retweets.
func (c *TwitterClient) UserTimeline(ctx context.Context, params TimelineParams) ([]types.Tweet, error) {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: userTimelinePath})
	query := url.Values{}
	query.Set("screen_name", params.ScreenName)
	query.Set("trim_user", "true")
	query.Set("exclude_replies", "true")
	query.Set("include_rts", "false")
	if params.Count > 0 {
		query.Set("count", strconv.Itoa(params.Count))
	}
	if params.MaxID != 0 {
		query.Set("max_id", strconv.FormatInt(params.MaxID, 10))
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build timeline request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("screen_name", params.ScreenName).Msg("Timeline API is unreachable")
		return nil, &messagepipeline.ConnectivityError{Op: "fetch timeline", Target: c.baseURL.Host, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Errors []struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(body, &errBody) == nil && len(errBody.Errors) > 0 {
			apiErr.Code = errBody.Errors[0].Code
			apiErr.Message = errBody.Errors[0].Message
		}
		c.logger.Error().Err(apiErr).Str("screen_name", params.ScreenName).Msg("Timeline API call failed")
		return nil, apiErr
	}

	var tweets []types.Tweet
	if err := json.Unmarshal(body, &tweets); err != nil {
		return nil, fmt.Errorf("failed to decode timeline response: %w", err)
	}
	return tweets, nil
}
