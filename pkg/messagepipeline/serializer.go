package messagepipeline

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// DefaultContentEncoding is the content encoding stamped on serialized payloads.
const DefaultContentEncoding = "utf8"

// TransferMessage is the serialized form of a payload together with the
// properties a consumer needs to decode it again.
type TransferMessage struct {
	ContentType     string
	ContentEncoding string
	Content         []byte
}

// Serializer converts payloads of type T to and from their wire form.
type Serializer[T any] interface {
	// ContentType is the single content type this serializer produces and accepts.
	ContentType() string
	// IsSupported reports whether a message declaring contentType can be decoded.
	IsSupported(contentType string) bool
	Serialize(data T) (TransferMessage, error)
	Deserialize(msg TransferMessage) (T, error)
}

// JSONSerializer encodes payloads as application/json.
type JSONSerializer[T any] struct {
	// Pretty indents the serialized output. Useful for debugging queues by hand.
	Pretty bool
}

// NewJSONSerializer returns a compact JSON serializer.
func NewJSONSerializer[T any]() *JSONSerializer[T] {
	return &JSONSerializer[T]{}
}

func (s *JSONSerializer[T]) ContentType() string { return "application/json" }

// IsSupported compares media types case-insensitively and ignores parameters
// such as charset.
func (s *JSONSerializer[T]) IsSupported(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == s.ContentType()
}

func (s *JSONSerializer[T]) Serialize(data T) (TransferMessage, error) {
	var (
		content []byte
		err     error
	)
	if s.Pretty {
		content, err = json.MarshalIndent(data, "", "  ")
	} else {
		content, err = json.Marshal(data)
	}
	if err != nil {
		return TransferMessage{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return TransferMessage{
		ContentType:     s.ContentType(),
		ContentEncoding: DefaultContentEncoding,
		Content:         content,
	}, nil
}

func (s *JSONSerializer[T]) Deserialize(msg TransferMessage) (T, error) {
	var zero T
	if !s.IsSupported(msg.ContentType) {
		return zero, fmt.Errorf("%w: %q", ErrUnsupportedContentType, msg.ContentType)
	}
	switch strings.ToLower(msg.ContentEncoding) {
	case "", "utf8", "utf-8":
	default:
		return zero, fmt.Errorf("unsupported content encoding %q", msg.ContentEncoding)
	}

	var data T
	if err := json.Unmarshal(msg.Content, &data); err != nil {
		return zero, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return data, nil
}
