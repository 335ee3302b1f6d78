package messagepipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedContentType is returned when a message declares a content type
	// the configured Serializer cannot decode.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrAlreadySettled is returned by Ack/Nack when the message already received
	// its terminal disposition.
	ErrAlreadySettled = errors.New("message already acknowledged or rejected")
)

// ConnectivityError reports that the broker (or another remote dependency) was
// unreachable, refused the handshake, or closed the connection underneath us.
// It is fatal for the operation that observed it.
type ConnectivityError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TopologyError reports a failed exchange/queue declaration, check or binding.
type TopologyError struct {
	Op         string
	Exchange   string
	Queue      string
	RoutingKey string
	Err        error
}

func (e *TopologyError) Error() string {
	msg := e.Op
	if e.Exchange != "" {
		msg += fmt.Sprintf(" exchange=%q", e.Exchange)
	}
	if e.Queue != "" {
		msg += fmt.Sprintf(" queue=%q", e.Queue)
	}
	if e.RoutingKey != "" {
		msg += fmt.Sprintf(" routing_key=%q", e.RoutingKey)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// DeserializationError reports a payload that could not be decoded even though
// its declared content type is supported. It signals a producer/consumer
// contract mismatch, not a transient condition.
type DeserializationError struct {
	MessageID   string
	ContentType string
	Err         error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize message %q (%s): %v", e.MessageID, e.ContentType, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
