package messagepipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is the broker-level representation of a message: the serialized
// payload plus the properties stamped on it by the publisher.
type Envelope struct {
	ContentType     string
	ContentEncoding string
	// Timestamp is the publish time. It travels with second precision over AMQP.
	Timestamp time.Time
	// MessageID and CorrelationID carry the item identifier so redeliveries can
	// be traced back to the same item.
	MessageID     string
	CorrelationID string
	AppID         string
	Type          string
	Headers       map[string]any

	// RoutingKey and Redelivered are only populated on received messages.
	RoutingKey  string
	Redelivered bool

	Body []byte
}

// Header returns a string header value, or "" if absent or not a string.
func (e Envelope) Header(key string) string {
	v, ok := e.Headers[key].(string)
	if !ok {
		return ""
	}
	return v
}

// IncomingMessage is a received Envelope together with its two terminal actions.
// Exactly one of Ack or Nack reaches the broker; any later call returns
// ErrAlreadySettled. The payload is decoded lazily on the first call to Content
// and the result (value or error) is cached.
type IncomingMessage[T any] struct {
	Envelope

	ack  func() error
	nack func(requeue bool) error

	settled atomic.Bool

	decodeOnce  sync.Once
	deserialize func(TransferMessage) (T, error)
	content     T
	contentErr  error
}

// NewIncomingMessage assembles an IncomingMessage. It is used by consumers and by
// tests that need to feed messages into a pipeline without a broker.
func NewIncomingMessage[T any](
	env Envelope,
	deserialize func(TransferMessage) (T, error),
	ack func() error,
	nack func(requeue bool) error,
) *IncomingMessage[T] {
	return &IncomingMessage[T]{
		Envelope:    env,
		ack:         ack,
		nack:        nack,
		deserialize: deserialize,
	}
}

// Content decodes the payload on first access.
func (m *IncomingMessage[T]) Content() (T, error) {
	m.decodeOnce.Do(func() {
		m.content, m.contentErr = m.deserialize(TransferMessage{
			ContentType:     m.ContentType,
			ContentEncoding: m.ContentEncoding,
			Content:         m.Body,
		})
		if m.contentErr != nil {
			m.contentErr = &DeserializationError{
				MessageID:   m.MessageID,
				ContentType: m.ContentType,
				Err:         m.contentErr,
			}
		}
	})
	return m.content, m.contentErr
}

// Ack confirms consumption.
func (m *IncomingMessage[T]) Ack() error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return m.ack()
}

// Nack rejects the message. With requeue the broker redelivers it, otherwise it
// is dropped (or dead-lettered if the queue is configured to).
func (m *IncomingMessage[T]) Nack(requeue bool) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return m.nack(requeue)
}

// Settled reports whether Ack or Nack has been called.
func (m *IncomingMessage[T]) Settled() bool {
	return m.settled.Load()
}
