package serialization

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/glimte/mmate-transit/contracts"
)

// ContentType identifies the envelope JSON encoding on the wire
const ContentType = "application/vnd.mmate+json"

// ErrUnknownMessageType is returned when none of an envelope's message
// types is bound locally
var ErrUnknownMessageType = errors.New("serialization: unknown message type")

// DeserializationError reports bytes that are not a usable envelope or payload
type DeserializationError struct {
	Op  string
	URN string
	Err error
}

func (e *DeserializationError) Error() string {
	if e.URN != "" {
		return fmt.Sprintf("deserialization error: %s %s: %v", e.Op, e.URN, e.Err)
	}
	return fmt.Sprintf("deserialization error: %s: %v", e.Op, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is a deserialization failure
func IsMalformed(err error) bool {
	var de *DeserializationError
	return errors.As(err, &de)
}

// Serializer converts envelopes to and from bytes
type Serializer interface {
	ContentType() string
	Serialize(env *contracts.Envelope) ([]byte, error)
	Deserialize(body []byte) (*contracts.Envelope, error)
}

// EnvelopeSerializer is the JSON envelope serializer
type EnvelopeSerializer struct {
	host   contracts.HostInfo
	indent bool
}

// SerializerOption configures an EnvelopeSerializer
type SerializerOption func(*EnvelopeSerializer)

// WithHost sets the host description stamped on outgoing envelopes
func WithHost(host contracts.HostInfo) SerializerOption {
	return func(s *EnvelopeSerializer) {
		s.host = host
	}
}

// WithIndent enables indented output
func WithIndent(indent bool) SerializerOption {
	return func(s *EnvelopeSerializer) {
		s.indent = indent
	}
}

// NewEnvelopeSerializer creates a serializer describing the current process
func NewEnvelopeSerializer(opts ...SerializerOption) *EnvelopeSerializer {
	s := &EnvelopeSerializer{host: contracts.CurrentHost()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentType implements Serializer
func (s *EnvelopeSerializer) ContentType() string {
	return ContentType
}

// Serialize implements Serializer. Host headers are removed from the
// header map and folded into the host field; env itself is not modified.
func (s *EnvelopeSerializer) Serialize(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("serialization: envelope cannot be nil")
	}
	if len(env.MessageType) == 0 {
		return nil, errors.New("serialization: envelope has no message type")
	}

	out := *env
	base := s.host
	if env.Host != nil {
		base = *env.Host
	}
	host, headers := contracts.SplitHostHeaders(base, env.Headers)
	out.Host = &host
	if len(headers) == 0 {
		headers = nil
	}
	out.Headers = headers
	out.ContentType = ContentType

	if s.indent {
		return MarshalIndent(&out, "", "  ")
	}
	return Marshal(&out)
}

// Deserialize implements Serializer
func (s *EnvelopeSerializer) Deserialize(body []byte) (*contracts.Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &DeserializationError{Op: "decode envelope", Err: errors.New("empty body")}
	}
	var env contracts.Envelope
	if err := Unmarshal(body, &env); err != nil {
		return nil, &DeserializationError{Op: "decode envelope", Err: err}
	}
	if len(env.MessageType) == 0 {
		return nil, &DeserializationError{Op: "decode envelope", Err: errors.New("missing messageType")}
	}
	if env.Headers != nil {
		_, env.Headers = contracts.SplitHostHeaders(contracts.HostInfo{}, env.Headers)
	}
	return &env, nil
}

// ResolveMessageType returns the first URN of env accepted by known.
func ResolveMessageType(env *contracts.Envelope, known func(urn string) bool) (string, error) {
	for _, urn := range env.MessageType {
		if known(urn) {
			return urn, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnknownMessageType, env.MessageType)
}

// DecodeMessage decodes the envelope payload into T
func DecodeMessage[T any](env *contracts.Envelope) (T, error) {
	var msg T
	if isEmptyPayload(env.Message) {
		return msg, &DeserializationError{Op: "decode message", URN: contracts.URNOf[T](), Err: errors.New("empty message")}
	}
	if err := Unmarshal(env.Message, &msg); err != nil {
		return msg, &DeserializationError{Op: "decode message", URN: contracts.URNOf[T](), Err: err}
	}
	return msg, nil
}

// DecodeMessageStrict decodes the payload into T, failing on fields T does
// not declare. It is used to tell candidate response types apart.
func DecodeMessageStrict[T any](env *contracts.Envelope) (T, error) {
	var msg T
	if isEmptyPayload(env.Message) {
		return msg, &DeserializationError{Op: "decode message", URN: contracts.URNOf[T](), Err: errors.New("empty message")}
	}
	if err := UnmarshalStrict(env.Message, &msg); err != nil {
		return msg, &DeserializationError{Op: "decode message", URN: contracts.URNOf[T](), Err: err}
	}
	return msg, nil
}

// DecodeBatch decodes a payload holding either a JSON array of T or a
// single T, which becomes a batch of one.
func DecodeBatch[T any](env *contracts.Envelope) ([]T, error) {
	payload := bytes.TrimSpace(env.Message)
	if len(payload) > 0 && payload[0] == '[' {
		var batch []T
		if err := Unmarshal(payload, &batch); err != nil {
			return nil, &DeserializationError{Op: "decode batch", URN: contracts.URNOf[T](), Err: err}
		}
		return batch, nil
	}
	one, err := DecodeMessage[T](env)
	if err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func isEmptyPayload(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
