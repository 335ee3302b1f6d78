package messagepipeline

import (
	"context"
)

// ====================================================================================
// This file defines the core interfaces and function types for building a dataflow
// pipeline. It outlines the contracts for publishing, consuming and processing
// messages.
// ====================================================================================

// --- Stage 1: Producer ---

// PublishOptions carries the optional envelope properties of a single publish.
type PublishOptions struct {
	CorrelationID string
	Headers       map[string]any
}

// MessagePublisher publishes typed items. Implementations do not wait for a
// broker confirmation.
type MessagePublisher[T any] interface {
	Publish(ctx context.Context, item T, routingKey, messageID string, opts PublishOptions) error
}

// --- Stage 2: Consumer ---

// MessageConsumer defines the interface for a push-style message source.
type MessageConsumer[T any] interface {
	// Messages returns a read-only channel from which pipeline workers receive messages.
	// It is closed once the consumer stops, for whatever reason.
	Messages() <-chan *IncomingMessage[T]
	// Start begins the consumption process.
	Start(ctx context.Context) error
	// Stop ceases delivery of new messages. Messages already handed out can
	// still be acknowledged.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has completely shut down.
	Done() <-chan struct{}
	// Err returns the error that ended consumption, or nil after a requested stop.
	Err() error
}

// --- Stage 3: Processor ---

// StreamProcessor handles one decoded payload. Returning an error rejects the
// message and halts the pipeline.
type StreamProcessor[T any] func(ctx context.Context, msg *IncomingMessage[T], payload T) error
