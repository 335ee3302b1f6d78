package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// SourceQueueConfig holds configuration for a SourceQueue.
type SourceQueueConfig struct {
	// ExchangeName is the exchange the queue is bound to. It must already exist.
	ExchangeName string
	QueueName    string
	// RoutingPattern selects the messages routed to the queue, e.g. "tweet.*".
	RoutingPattern string
	Durable        bool
	AutoDelete     bool
	Exclusive      bool
	QueueArgs      amqp.Table
	// ConsumerTag identifies the consumer to the broker. A unique tag is
	// generated when empty.
	ConsumerTag string
}

// NewSourceQueueDefaults provides a config with the defaults of the store service.
func NewSourceQueueDefaults(queueName string) SourceQueueConfig {
	return SourceQueueConfig{
		ExchangeName:   "amq.topic",
		QueueName:      queueName,
		RoutingPattern: "tweet.*",
		Durable:        true,
	}
}

// SourceQueue consumes typed messages from a queue bound to an exchange. It
// implements MessageConsumer for push delivery and offers GetMessage for pulls.
//
// Messages whose declared content type is not supported by the serializer are
// rejected without requeue as soon as they arrive and never reach Messages().
type SourceQueue[T any] struct {
	channel     *ChannelContext
	cfg         SourceQueueConfig
	serializer  Serializer[T]
	logger      zerolog.Logger
	consumerTag string

	outputChan chan *IncomingMessage[T]
	doneChan   chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
	cancelOnce sync.Once
	cancel     context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewSourceQueue checks the source exchange, declares the queue and binds it, in
// that order. Any failing step aborts creation with a *TopologyError.
func NewSourceQueue[T any](
	ctx context.Context,
	channel *ChannelContext,
	cfg SourceQueueConfig,
	serializer Serializer[T],
	logger zerolog.Logger,
) (*SourceQueue[T], error) {
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil for source queue")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if serializer == nil {
		serializer = NewJSONSerializer[T]()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger = logger.With().
		Str("component", "SourceQueue").
		Str("exchange", cfg.ExchangeName).
		Str("queue", cfg.QueueName).
		Logger()
	ch := channel.Channel()

	err := ch.ExchangeDeclarePassive(cfg.ExchangeName, string(ExchangeTopic), true, false, false, false, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Exchange is not available")
		return nil, &TopologyError{Op: "check exchange", Exchange: cfg.ExchangeName, Err: err}
	}
	logger.Info().Msg("Exchange is available")

	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, false, cfg.QueueArgs); err != nil {
		logger.Error().Err(err).Msg("Queue is not available")
		return nil, &TopologyError{Op: "declare queue", Queue: cfg.QueueName, Err: err}
	}
	logger.Info().Msg("Queue is available")

	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingPattern, cfg.ExchangeName, false, nil); err != nil {
		logger.Error().Err(err).Str("routing_pattern", cfg.RoutingPattern).Msg("An error occurred while binding queue to an exchange")
		return nil, &TopologyError{
			Op:         "bind queue",
			Exchange:   cfg.ExchangeName,
			Queue:      cfg.QueueName,
			RoutingKey: cfg.RoutingPattern,
			Err:        err,
		}
	}
	logger.Info().Str("routing_pattern", cfg.RoutingPattern).Msg("Queue has been successfully bound to an exchange")

	tag := cfg.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", cfg.QueueName, uuid.NewString())
	}

	return &SourceQueue[T]{
		channel:     channel,
		cfg:         cfg,
		serializer:  serializer,
		logger:      logger,
		consumerTag: tag,
		// Unbuffered: a message is either in a worker's hands or still owned by
		// the consumer loop, which rejects it on shutdown.
		outputChan: make(chan *IncomingMessage[T]),
		doneChan:   make(chan struct{}),
	}, nil
}

// Messages returns the push-delivered message sequence.
func (q *SourceQueue[T]) Messages() <-chan *IncomingMessage[T] { return q.outputChan }

// Done returns a channel that is closed once the consumer loop has exited.
func (q *SourceQueue[T]) Done() <-chan struct{} { return q.doneChan }

// Err returns the error that ended consumption, or nil if it was stopped on request.
func (q *SourceQueue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *SourceQueue[T]) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
}

// Start registers the consumer with the broker and launches the delivery loop.
func (q *SourceQueue[T]) Start(ctx context.Context) error {
	var startErr error
	started := false
	q.startOnce.Do(func() {
		started = true
		deliveries, err := q.channel.Channel().Consume(q.cfg.QueueName, q.consumerTag, false, false, false, false, nil)
		if err != nil {
			q.logger.Error().Err(err).Msg("Failed to create consumer")
			startErr = channelError("consume", q.cfg.QueueName, fmt.Errorf("failed to create consumer: %w", err))
			q.setErr(startErr)
			close(q.outputChan)
			close(q.doneChan)
			return
		}
		q.logger.Info().Str("consumer_tag", q.consumerTag).Msg("Consumer created")

		consumeCtx, cancel := context.WithCancel(ctx)
		q.mu.Lock()
		q.cancel = cancel
		q.mu.Unlock()
		go q.consume(consumeCtx, deliveries)
	})
	if !started {
		return fmt.Errorf("source queue %s already started", q.cfg.QueueName)
	}
	return startErr
}

func (q *SourceQueue[T]) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(q.doneChan)
	defer close(q.outputChan)
	defer q.logger.Info().Msg("Consumer loop stopped.")

	for {
		select {
		case <-ctx.Done():
			q.drain(deliveries)
			return
		case <-q.channel.Done():
			q.setErr(q.channelClosedError())
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					q.setErr(q.channelClosedError())
				}
				return
			}
			msg := q.processDelivery(d)
			if msg == nil {
				continue
			}
			select {
			case q.outputChan <- msg:
			case <-ctx.Done():
				q.logger.Warn().Str("msg_id", msg.MessageID).Msg("Consumer stopping, Nacking message.")
				_ = msg.Nack(true)
				q.drain(deliveries)
				return
			}
		}
	}
}

// cancelConsumer asks the broker to stop delivering to this consumer.
func (q *SourceQueue[T]) cancelConsumer() {
	q.cancelOnce.Do(func() {
		if err := q.channel.Channel().Cancel(q.consumerTag, false); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to cancel broker consumer.")
		}
	})
}

// drain requeues deliveries the broker pushed before the consumer was cancelled.
// The deliveries channel is closed by the client once the cancel is processed.
func (q *SourceQueue[T]) drain(deliveries <-chan amqp.Delivery) {
	q.cancelConsumer()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := d.Nack(false, true); err != nil {
				q.logger.Warn().Err(err).Str("msg_id", d.MessageId).Msg("Failed to requeue message on shutdown.")
			}
		case <-q.channel.Done():
			return
		}
	}
}

func (q *SourceQueue[T]) channelClosedError() error {
	cause := q.channel.Err()
	if cause == nil {
		cause = amqp.ErrClosed
	}
	return &ConnectivityError{Op: "consume", Target: q.cfg.QueueName, Err: cause}
}

// processDelivery applies the content-type policy and wraps supported deliveries.
func (q *SourceQueue[T]) processDelivery(d amqp.Delivery) *IncomingMessage[T] {
	if !q.serializer.IsSupported(d.ContentType) {
		q.logger.Warn().
			Str("content_type", d.ContentType).
			Str("msg_id", d.MessageId).
			Str("correlation_id", d.CorrelationId).
			Str("app_id", d.AppId).
			Int("content_length", len(d.Body)).
			Msg("Message content type is not supported, rejecting.")
		if err := d.Nack(false, false); err != nil {
			q.logger.Error().Err(err).Str("msg_id", d.MessageId).Msg("Failed to reject unsupported message.")
		}
		return nil
	}

	q.logger.Debug().
		Str("msg_id", d.MessageId).
		Str("correlation_id", d.CorrelationId).
		Str("app_id", d.AppId).
		Int("content_length", len(d.Body)).
		Msg("Consumed message")

	queueName := q.cfg.QueueName
	return NewIncomingMessage[T](
		envelopeFromDelivery(d),
		q.serializer.Deserialize,
		func() error {
			if err := d.Ack(false); err != nil {
				return channelError("ack", queueName, err)
			}
			return nil
		},
		func(requeue bool) error {
			if err := d.Nack(false, requeue); err != nil {
				return channelError("nack", queueName, err)
			}
			return nil
		},
	)
}

// GetMessage pulls a single message. It returns nil, nil when no supported
// message is immediately available.
func (q *SourceQueue[T]) GetMessage(ctx context.Context) (*IncomingMessage[T], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok, err := q.channel.Channel().Get(q.cfg.QueueName, false)
		if err != nil {
			return nil, channelError("get", q.cfg.QueueName, fmt.Errorf("failed to get message: %w", err))
		}
		if !ok {
			return nil, nil
		}
		if msg := q.processDelivery(d); msg != nil {
			return msg, nil
		}
	}
}

// Stop cancels the broker consumer and waits for the delivery loop to exit.
// Messages already handed to workers remain valid for Ack/Nack.
func (q *SourceQueue[T]) Stop(ctx context.Context) error {
	var stopErr error
	q.stopOnce.Do(func() {
		q.logger.Info().Msg("Stopping source queue consumer...")
		q.mu.Lock()
		cancel := q.cancel
		q.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		q.cancelConsumer()
		select {
		case <-q.doneChan:
			q.logger.Info().Msg("Consumer loop confirmed stopped.")
		case <-ctx.Done():
			q.logger.Error().Msg("Timeout waiting for consumer loop to stop.")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// Close closes the queue's channel and optionally the owning connection.
func (q *SourceQueue[T]) Close(closeConnection bool) error {
	q.logger.Info().Bool("close_connection", closeConnection).Msg("Closing source queue")
	return q.channel.Close(closeConnection)
}

func envelopeFromDelivery(d amqp.Delivery) Envelope {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	ts := d.Timestamp
	if ms, ok := headers[TimestampMillisHeader].(int64); ok {
		ts = time.UnixMilli(ms)
	}
	return Envelope{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Timestamp:       ts,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		AppID:           d.AppId,
		Type:            d.Type,
		Headers:         headers,
		RoutingKey:      d.RoutingKey,
		Redelivered:     d.Redelivered,
		Body:            d.Body,
	}
}
