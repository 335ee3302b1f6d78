package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
)

// finalScrapeFactor scales the push interval to get the wait between the final
// push and the deletion of the group, leaving Prometheus time to scrape it.
const finalScrapeFactor = 1.6

// Config holds configuration for a metrics Client.
type Config struct {
	// PushgatewayURL disables pushing when empty; metrics are still collected.
	PushgatewayURL string
	JobName        string
	PushInterval   time.Duration
	// Grouping labels identify this instance's metric group on the gateway.
	// Hostname and username are added when absent.
	Grouping map[string]string
}

// NewConfigDefaults provides a config pushing once per second.
func NewConfigDefaults(jobName string) Config {
	return Config{
		JobName:      jobName,
		PushInterval: time.Second,
	}
}

// Client owns the metric registry of one service and periodically pushes it to
// a Pushgateway. It is created at service start and closed exactly once.
type Client struct {
	cfg      Config
	registry *prometheus.Registry
	pusher   *push.Pusher
	logger   zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
	loopDone  chan struct{}
	closeErr  error
}

// NewClient creates a client with a private registry holding the Go and process
// collectors.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = NewConfigDefaults(cfg.JobName).PushInterval
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Client{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "MetricsClient").Str("job", cfg.JobName).Logger(),
		stopChan: make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if cfg.PushgatewayURL != "" {
		if cfg.JobName == "" {
			return nil, fmt.Errorf("metrics job name is required when pushing to %s", cfg.PushgatewayURL)
		}
		pusher := push.New(cfg.PushgatewayURL, cfg.JobName).Gatherer(registry)
		for name, value := range defaultGrouping(cfg.Grouping) {
			pusher = pusher.Grouping(name, value)
		}
		c.pusher = pusher
		c.logger = c.logger.With().Str("pushgateway", cfg.PushgatewayURL).Logger()
	}
	return c, nil
}

func defaultGrouping(grouping map[string]string) map[string]string {
	out := make(map[string]string, len(grouping)+2)
	for k, v := range grouping {
		out[k] = v
	}
	if _, ok := out["hostname"]; !ok {
		if hostname, err := os.Hostname(); err == nil {
			out["hostname"] = hostname
		}
	}
	if _, ok := out["username"]; !ok {
		if u, err := user.Current(); err == nil {
			out["username"] = u.Username
		}
	}
	return out
}

// Registry is where services register their collectors.
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// Pushing reports whether a Pushgateway is configured.
func (c *Client) Pushing() bool { return c.pusher != nil }

// Start pushes the current stats immediately and then once per interval until
// Close is called or ctx is cancelled. Push failures are logged only.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.pusher == nil {
			close(c.loopDone)
			return
		}
		_ = c.push(ctx)
		go c.loop(ctx)
	})
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.push(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) push(ctx context.Context) error {
	c.logger.Debug().Msg("Pushing stats to Pushgateway")
	if err := c.pusher.AddContext(ctx); err != nil {
		c.logger.Error().Err(err).Msg("An error occurred while pushing stats to Pushgateway")
		return err
	}
	c.logger.Debug().Msg("Successfully pushed stats to Pushgateway")
	return nil
}

// Close stops the push loop, pushes the final stats, waits for a last scrape
// and then deletes the metric group from the gateway. It returns early with
// ctx's error if ctx ends during the wait.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() { close(c.loopDone) })
		close(c.stopChan)
		<-c.loopDone

		if c.pusher == nil {
			return
		}

		c.logger.Info().Msg("Pushing final stats")
		pushErr := c.push(ctx)

		wait := time.Duration(float64(c.cfg.PushInterval) * finalScrapeFactor)
		c.logger.Info().Dur("wait", wait).Msg("Waiting to allow final Prometheus scrape")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.closeErr = errors.Join(pushErr, ctx.Err())
			return
		}

		c.logger.Info().Msg("Disposing Pushgateway stats")
		var deleteErr error
		if err := c.pusher.Delete(); err != nil {
			c.logger.Error().Err(err).Msg("An error occurred while disposing Pushgateway stats")
			deleteErr = fmt.Errorf("failed to delete metrics group: %w", err)
		}
		if pushErr != nil {
			pushErr = fmt.Errorf("failed to push final metrics: %w", pushErr)
		}
		c.closeErr = errors.Join(pushErr, deleteErr)
	})
	return c.closeErr
}
