package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const defaultAMQPPort = "5672"

// AMQPChannel is the subset of *amqp.Channel used by sinks and queues.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPConnection is the subset of *amqp.Connection used by the ChannelFactory.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens an AMQPConnection. Tests substitute a fake.
type Dialer func(url string) (AMQPConnection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the production Dialer backed by amqp091-go.
func DialAMQP(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// lifecycle turns broker close notifications into a cancellation signal.
// done is closed exactly once, when the broker reports the resource closed
// (gracefully or not); err holds the broker error for abnormal closes.
type lifecycle struct {
	done chan struct{}
	mu   sync.RWMutex
	err  error
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

func (l *lifecycle) watch(notify <-chan *amqp.Error, onError func(*amqp.Error), onClose func()) {
	go func() {
		amqpErr, ok := <-notify
		if ok && amqpErr != nil {
			l.mu.Lock()
			l.err = amqpErr
			l.mu.Unlock()
			onError(amqpErr)
		}
		onClose()
		close(l.done)
	}()
}

// Done is closed once the broker has closed the underlying resource.
func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Err returns the broker error that closed the resource, or nil for a graceful close.
func (l *lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// ConnectionContext owns one broker connection.
type ConnectionContext struct {
	*lifecycle
	conn      AMQPConnection
	address   string
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Address is the host:port of the broker, without credentials.
func (c *ConnectionContext) Address() string { return c.address }

// Logger returns the connection-scoped logger.
func (c *ConnectionContext) Logger() zerolog.Logger { return c.logger }

// Close closes the connection. It is safe to call more than once.
func (c *ConnectionContext) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close()
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.closeErr = fmt.Errorf("failed to close connection to %s: %w", c.address, err)
		}
	})
	return c.closeErr
}

// ChannelContext owns one channel derived from a ConnectionContext. A channel is
// used by exactly one sink or one queue.
type ChannelContext struct {
	*lifecycle
	Connection *ConnectionContext
	channel    AMQPChannel
	prefetch   int
	logger     zerolog.Logger
	closeOnce  sync.Once
	closeErr   error
}

// Channel exposes the underlying channel.
func (c *ChannelContext) Channel() AMQPChannel { return c.channel }

// Prefetch is the unacknowledged-message limit applied to this channel.
func (c *ChannelContext) Prefetch() int { return c.prefetch }

// Close closes the channel and, if closeConnection is set, the owning connection
// afterwards. Both steps are attempted even if the first fails.
func (c *ChannelContext) Close(closeConnection bool) error {
	c.closeOnce.Do(func() {
		err := c.channel.Close()
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.closeErr = fmt.Errorf("failed to close channel: %w", err)
		}
	})
	if !closeConnection {
		return c.closeErr
	}
	return errors.Join(c.closeErr, c.Connection.Close())
}

// ChannelFactory opens broker connections and channels.
type ChannelFactory struct {
	dial   Dialer
	logger zerolog.Logger
}

// NewChannelFactory creates a factory. A nil dialer selects DialAMQP.
func NewChannelFactory(dial Dialer, logger zerolog.Logger) *ChannelFactory {
	if dial == nil {
		dial = DialAMQP
	}
	return &ChannelFactory{
		dial:   dial,
		logger: logger.With().Str("component", "ChannelFactory").Logger(),
	}
}

// Connect opens a connection to queueURL. Close and error notifications from the
// broker are logged and surface through Done/Err; there is no reconnect.
func (f *ChannelFactory) Connect(ctx context.Context, queueURL string) (*ConnectionContext, error) {
	address, err := brokerAddress(queueURL)
	if err != nil {
		return nil, &ConnectivityError{Op: "parse queue url", Err: err}
	}
	logger := f.logger.With().Str("broker", address).Logger()

	if err := ctx.Err(); err != nil {
		return nil, &ConnectivityError{Op: "connect", Target: address, Err: err}
	}

	logger.Info().Msg("Connecting to queue")
	conn, err := f.dial(queueURL)
	if err != nil {
		logger.Error().Err(err).Msg("An error occurred while connecting to queue")
		return nil, &ConnectivityError{Op: "connect", Target: address, Err: err}
	}
	logger.Info().Msg("Connected to queue")

	cc := &ConnectionContext{
		lifecycle: newLifecycle(),
		conn:      conn,
		address:   address,
		logger:    logger,
	}
	cc.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		func(amqpErr *amqp.Error) {
			logger.Error().Err(amqpErr).Int("code", amqpErr.Code).Msg("Connection failed")
		},
		func() { logger.Info().Msg("Connection closed") },
	)
	return cc, nil
}

// OpenChannel derives a channel from conn and applies the prefetch limit before
// returning, so that no consume can start without it.
func (f *ChannelFactory) OpenChannel(ctx context.Context, conn *ConnectionContext, prefetch int) (*ChannelContext, error) {
	logger := conn.logger
	if err := ctx.Err(); err != nil {
		return nil, &ConnectivityError{Op: "open channel", Target: conn.address, Err: err}
	}

	logger.Info().Msg("Creating channel")
	ch, err := conn.conn.Channel()
	if err != nil {
		logger.Error().Err(err).Msg("An error occurred while creating the channel")
		return nil, &ConnectivityError{Op: "open channel", Target: conn.address, Err: err}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			logger.Error().Err(err).Int("prefetch", prefetch).Msg("Failed to set channel prefetch")
			return nil, &ConnectivityError{Op: "set prefetch", Target: conn.address, Err: err}
		}
		logger.Info().Int("prefetch", prefetch).Msg("Channel prefetch set")
	}

	cc := &ChannelContext{
		lifecycle:  newLifecycle(),
		Connection: conn,
		channel:    ch,
		prefetch:   prefetch,
		logger:     logger,
	}
	cc.watch(
		ch.NotifyClose(make(chan *amqp.Error, 1)),
		func(amqpErr *amqp.Error) {
			logger.Error().Err(amqpErr).Int("code", amqpErr.Code).Msg("Channel failed")
		},
		func() { logger.Info().Msg("Channel closed") },
	)
	logger.Info().Msg("Channel created")
	return cc, nil
}

// Open is a convenience for Connect followed by OpenChannel. The connection is
// closed again if the channel cannot be opened.
func (f *ChannelFactory) Open(ctx context.Context, queueURL string, prefetch int) (*ChannelContext, error) {
	conn, err := f.Connect(ctx, queueURL)
	if err != nil {
		return nil, err
	}
	ch, err := f.OpenChannel(ctx, conn, prefetch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

// brokerAddress extracts host:port from an amqp URL so credentials never reach the logs.
func brokerAddress(queueURL string) (string, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = defaultAMQPPort
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// channelError maps the error of a channel operation to a ConnectivityError when
// the channel or connection is gone, and returns it unchanged otherwise.
func channelError(op, target string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return &ConnectivityError{Op: op, Target: target, Err: err}
	}
	return err
}
