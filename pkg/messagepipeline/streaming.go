package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const consumerStopTimeout = 10 * time.Second

// StreamingService drains a MessageConsumer with a fixed pool of workers. Each
// worker decodes a message, hands it to the processor and acknowledges it. The
// first failure is reported on a shared error channel, which halts intake: no
// further messages are taken from the consumer and the service finishes with
// that error.
//
// Failure dispositions:
//   - payload cannot be decoded: the message is rejected without requeue.
//   - processor error: the message is rejected with requeue so it is retried
//     once the service is restarted.
type StreamingService[T any] struct {
	numWorkers int
	consumer   MessageConsumer[T]
	processor  StreamProcessor[T]
	logger     zerolog.Logger

	wg           sync.WaitGroup
	errs         chan error
	cancelIntake context.CancelFunc
	doneChan     chan struct{}
	stopOnce     sync.Once

	mu  sync.Mutex
	err error
}

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	// NumWorkers bounds the number of messages processed concurrently. It should
	// match the channel prefetch so that every unacknowledged message has a worker.
	NumWorkers int
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	return &StreamingService[T]{
		numWorkers: cfg.NumWorkers,
		consumer:   consumer,
		processor:  processor,
		logger:     logger.With().Str("service", "StreamingService").Logger(),
		errs:       make(chan error, cfg.NumWorkers),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start begins the service operation. It starts the consumer and then spawns
// the pool of workers. Cancelling ctx stops intake but does not cancel
// processing already under way.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting streaming service...")

	intakeCtx, cancel := context.WithCancel(ctx)
	if err := s.consumer.Start(intakeCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message consumer: %w", err)
	}
	s.cancelIntake = cancel
	s.logger.Info().Msg("Message consumer started.")

	processCtx := context.WithoutCancel(ctx)
	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting processing workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(intakeCtx, processCtx, i)
	}
	go s.supervise()

	s.logger.Info().Msg("Streaming service started successfully.")
	return nil
}

// supervise halts intake on the first reported failure and closes doneChan once
// every worker has returned.
func (s *StreamingService[T]) supervise() {
	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	select {
	case err := <-s.errs:
		s.setErr(err)
		s.logger.Error().Err(err).Msg("Processing failed, halting intake.")
		s.cancelIntake()
		stopCtx, cancel := context.WithTimeout(context.Background(), consumerStopTimeout)
		if stopErr := s.consumer.Stop(stopCtx); stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Error stopping consumer after failure.")
		}
		cancel()
		<-workersDone
	case <-workersDone:
		select {
		case err := <-s.errs:
			s.setErr(err)
		default:
		}
	}

	if err := s.consumer.Err(); err != nil {
		s.setErr(err)
	}
	close(s.doneChan)
}

// Done returns a channel that is closed when all workers have stopped, either
// because of a failure, because the consumer ended, or after Stop.
func (s *StreamingService[T]) Done() <-chan struct{} { return s.doneChan }

// Err returns the error that ended the service, or nil.
func (s *StreamingService[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamingService[T]) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Stop gracefully shuts down the service: intake stops first, then in-flight
// messages are allowed to finish and be acknowledged.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping streaming service...")
		if s.cancelIntake == nil {
			s.logger.Info().Msg("Streaming service was never started.")
			return
		}
		s.cancelIntake()

		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
		}

		select {
		case <-s.doneChan:
			s.logger.Info().Msg("All processing workers completed gracefully.")
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing workers to finish.")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// worker is the main processing loop for each concurrent worker.
func (s *StreamingService[T]) worker(intakeCtx, processCtx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")
	for {
		select {
		case <-intakeCtx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker shutting down.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			if err := s.processConsumedMessage(processCtx, msg, workerID); err != nil {
				s.errs <- err
				return
			}
		}
	}
}

// processConsumedMessage decodes, processes and settles a single message.
func (s *StreamingService[T]) processConsumedMessage(ctx context.Context, msg *IncomingMessage[T], workerID int) error {
	logger := s.logger.With().Int("worker_id", workerID).Str("msg_id", msg.MessageID).Logger()

	payload, err := msg.Content()
	if err != nil {
		logger.Error().Err(err).Str("content_type", msg.ContentType).Msg("Failed to decode message, rejecting.")
		if nackErr := msg.Nack(false); nackErr != nil {
			logger.Error().Err(nackErr).Msg("Failed to reject message.")
		}
		return err
	}

	if err := s.processor(ctx, msg, payload); err != nil {
		logger.Error().Err(err).Msg("Processor failed to handle message, Nacking with requeue.")
		if nackErr := msg.Nack(true); nackErr != nil && !errors.Is(nackErr, ErrAlreadySettled) {
			logger.Error().Err(nackErr).Msg("Failed to requeue message.")
		}
		return fmt.Errorf("failed to process message %s: %w", msg.MessageID, err)
	}

	if err := msg.Ack(); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge message.")
		return fmt.Errorf("failed to acknowledge message %s: %w", msg.MessageID, err)
	}
	logger.Debug().Msg("Message processed successfully, Acked.")
	return nil
}
