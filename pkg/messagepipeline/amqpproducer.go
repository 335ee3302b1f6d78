package messagepipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ExchangeType is the AMQP routing strategy of an exchange.
type ExchangeType string

const (
	ExchangeDirect ExchangeType = "direct"
	ExchangeFanout ExchangeType = "fanout"
	ExchangeTopic  ExchangeType = "topic"
)

// ParseExchangeType validates an exchange type given as a string.
func ParseExchangeType(s string) (ExchangeType, error) {
	switch t := ExchangeType(strings.ToLower(s)); t {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return t, nil
	default:
		return "", fmt.Errorf("invalid exchange type %q: use direct|fanout|topic", s)
	}
}

// TimestampMillisHeader carries the publish time in epoch milliseconds; the AMQP
// timestamp property only has second precision.
const TimestampMillisHeader = "timestamp_ms"

// ExchangeSinkConfig holds configuration for an ExchangeSink.
type ExchangeSinkConfig struct {
	ExchangeName string
	ExchangeType ExchangeType
	// Assert declares the exchange if it is missing. When false the exchange is
	// only checked and creation fails fast if it does not exist.
	Assert bool
	// Durable is used when the exchange is declared.
	Durable bool
	// AppID and MessageType are stamped on every published envelope.
	AppID       string
	MessageType string
	// Persistent marks messages for storage on disk by the broker.
	Persistent bool
}

// NewExchangeSinkDefaults provides a config with the defaults of the fetch service.
func NewExchangeSinkDefaults(exchangeName string) ExchangeSinkConfig {
	return ExchangeSinkConfig{
		ExchangeName: exchangeName,
		ExchangeType: ExchangeTopic,
		Assert:       true,
		Durable:      true,
		AppID:        "tweet-fetch",
		MessageType:  "tweet",
		Persistent:   true,
	}
}

// ExchangeSink publishes typed items onto one exchange. Publishing is
// fire-and-forget: Publish returns once the message is written to the channel,
// without waiting for a broker confirmation.
type ExchangeSink[T any] struct {
	channel    *ChannelContext
	cfg        ExchangeSinkConfig
	serializer Serializer[T]
	logger     zerolog.Logger
	now        func() time.Time
}

// NewExchangeSink asserts or checks the target exchange on channel and returns a
// sink bound to it. Failures are reported as *TopologyError.
func NewExchangeSink[T any](
	ctx context.Context,
	channel *ChannelContext,
	cfg ExchangeSinkConfig,
	serializer Serializer[T],
	logger zerolog.Logger,
) (*ExchangeSink[T], error) {
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil for exchange sink")
	}
	if serializer == nil {
		serializer = NewJSONSerializer[T]()
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = ExchangeTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "ExchangeSink").Str("exchange", cfg.ExchangeName).Logger()
	ch := channel.Channel()

	// Names starting with "amq." are reserved by the broker and can only be checked.
	if cfg.Assert && !strings.HasPrefix(cfg.ExchangeName, "amq.") {
		logger.Info().Str("exchange_type", string(cfg.ExchangeType)).Msg("Ensuring target exchange exists")
		err := ch.ExchangeDeclare(cfg.ExchangeName, string(cfg.ExchangeType), cfg.Durable, false, false, false, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to declare target exchange")
			return nil, &TopologyError{Op: "declare exchange", Exchange: cfg.ExchangeName, Err: err}
		}
	} else {
		logger.Info().Msg("Checking if target exchange exists")
		err := ch.ExchangeDeclarePassive(cfg.ExchangeName, string(cfg.ExchangeType), cfg.Durable, false, false, false, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Target exchange is not available")
			return nil, &TopologyError{Op: "check exchange", Exchange: cfg.ExchangeName, Err: err}
		}
	}
	logger.Info().Msg("ExchangeSink initialized successfully.")

	return &ExchangeSink[T]{
		channel:    channel,
		cfg:        cfg,
		serializer: serializer,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Publish serializes item and hands the resulting envelope to the channel.
func (s *ExchangeSink[T]) Publish(ctx context.Context, item T, routingKey, messageID string, opts PublishOptions) error {
	select {
	case <-s.channel.Done():
		cause := s.channel.Err()
		if cause == nil {
			cause = amqp.ErrClosed
		}
		return &ConnectivityError{Op: "publish", Target: s.cfg.ExchangeName, Err: cause}
	default:
	}

	msg, err := s.serializer.Serialize(item)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", messageID).Msg("Failed to serialize payload for publishing.")
		return fmt.Errorf("failed to serialize message %s: %w", messageID, err)
	}

	publishedAt := s.now()
	headers := amqp.Table{TimestampMillisHeader: publishedAt.UnixMilli()}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Timestamp:       publishedAt,
		MessageId:       messageID,
		CorrelationId:   opts.CorrelationID,
		AppId:           s.cfg.AppID,
		Type:            s.cfg.MessageType,
		Body:            msg.Content,
	}
	if s.cfg.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	err = s.channel.Channel().PublishWithContext(ctx, s.cfg.ExchangeName, routingKey, false, false, publishing)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", messageID).Str("routing_key", routingKey).Msg("Failed to publish message.")
		return channelError("publish", s.cfg.ExchangeName, fmt.Errorf("failed to publish message %s: %w", messageID, err))
	}
	s.logger.Debug().Str("msg_id", messageID).Str("routing_key", routingKey).Int("content_length", len(msg.Content)).Msg("Message published.")
	return nil
}

// Close closes the sink's channel and optionally the owning connection.
func (s *ExchangeSink[T]) Close(closeConnection bool) error {
	s.logger.Info().Bool("close_connection", closeConnection).Msg("Closing exchange sink")
	return s.channel.Close(closeConnection)
}
