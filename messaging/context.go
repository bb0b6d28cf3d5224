package messaging

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-transit/contracts"
)

// SendContext carries one outbound message through the send pipe. Filters
// may change any field before the message reaches the transport.
type SendContext struct {
	Message any

	MessageID      string
	RequestID      string
	CorrelationID  string
	ConversationID string
	InitiatorID    string

	SourceAddress      string
	DestinationAddress string
	ResponseAddress    string
	FaultAddress       string

	Headers       map[string]any
	MessageTypes  []string
	ScheduledTime *time.Time
	TimeToLive    time.Duration
	Durable       bool
	Priority      uint8
}

// SetHeader sets a header, allocating the map on first use
func (c *SendContext) SetHeader(key string, value any) {
	if c.Headers == nil {
		c.Headers = map[string]any{}
	}
	c.Headers[key] = value
}

// LogAttrs implements pipeline.LogAttributer
func (c *SendContext) LogAttrs() []any {
	attrs := []any{"messageId", c.MessageID, "destination", c.DestinationAddress}
	if len(c.MessageTypes) > 0 {
		attrs = append(attrs, "messageType", c.MessageTypes[0])
	}
	if c.CorrelationID != "" {
		attrs = append(attrs, "correlationId", c.CorrelationID)
	}
	return attrs
}

func (c *SendContext) sendContext() *SendContext {
	return c
}

// PublishContext is a SendContext addressed to a message type's entity
type PublishContext struct {
	SendContext
	EntityName string
}

// LogAttrs implements pipeline.LogAttributer
func (c *PublishContext) LogAttrs() []any {
	return append(c.SendContext.LogAttrs(), "entity", c.EntityName)
}

// outbound is implemented by *SendContext and *PublishContext
type outbound interface {
	sendContext() *SendContext
}

// ReceiveContext describes one inbound delivery
type ReceiveContext struct {
	QueueName        string
	InputAddress     string
	Body             []byte
	TransportHeaders map[string]any
	Envelope         *contracts.Envelope
	MessageType      string
	RedeliveryCount  int
	ReceivedAt       time.Time
}

// MessageContext is the type-independent view of a ConsumeContext used by
// shared filters.
type MessageContext interface {
	MessageID() string
	RequestID() string
	CorrelationID() string
	ConversationID() string
	MessageType() string
	ConsumerName() string
	Headers() map[string]any
	Receive() *ReceiveContext
}

// ConsumeContext gives a consumer read access to an inbound message and
// the capability to publish, send and respond from within it.
type ConsumeContext[T any] struct {
	message      T
	receive      *ReceiveContext
	headers      map[string]any
	bus          *Bus
	consumerName string
	attempts     atomic.Int32
}

func newConsumeContext[T any](bus *Bus, consumerName string, rc *ReceiveContext, message T) *ConsumeContext[T] {
	return &ConsumeContext[T]{
		message:      message,
		receive:      rc,
		headers:      contracts.CopyHeaders(rc.Envelope.Headers),
		bus:          bus,
		consumerName: consumerName,
	}
}

// Message returns the decoded message
func (c *ConsumeContext[T]) Message() T { return c.message }

func (c *ConsumeContext[T]) MessageID() string          { return c.receive.Envelope.MessageID }
func (c *ConsumeContext[T]) RequestID() string          { return c.receive.Envelope.RequestID }
func (c *ConsumeContext[T]) CorrelationID() string      { return c.receive.Envelope.CorrelationID }
func (c *ConsumeContext[T]) ConversationID() string     { return c.receive.Envelope.ConversationID }
func (c *ConsumeContext[T]) InitiatorID() string        { return c.receive.Envelope.InitiatorID }
func (c *ConsumeContext[T]) SourceAddress() string      { return c.receive.Envelope.SourceAddress }
func (c *ConsumeContext[T]) DestinationAddress() string { return c.receive.Envelope.DestinationAddress }
func (c *ConsumeContext[T]) ResponseAddress() string    { return c.receive.Envelope.ResponseAddress }
func (c *ConsumeContext[T]) FaultAddress() string       { return c.receive.Envelope.FaultAddress }

// MessageType returns the URN the message was dispatched by
func (c *ConsumeContext[T]) MessageType() string { return c.receive.MessageType }

// SupportedMessageTypes returns every URN the envelope lists
func (c *ConsumeContext[T]) SupportedMessageTypes() []string {
	return append([]string(nil), c.receive.Envelope.MessageType...)
}

// SentTime returns when the message was sent, or the zero time
func (c *ConsumeContext[T]) SentTime() time.Time {
	if c.receive.Envelope.SentTime == nil {
		return time.Time{}
	}
	return *c.receive.Envelope.SentTime
}

// ExpirationTime returns the message expiration and whether one was set
func (c *ConsumeContext[T]) ExpirationTime() (time.Time, bool) {
	if c.receive.Envelope.ExpirationTime == nil {
		return time.Time{}, false
	}
	return *c.receive.Envelope.ExpirationTime, true
}

// Host returns the sending host, if the envelope carried one
func (c *ConsumeContext[T]) Host() *contracts.HostInfo { return c.receive.Envelope.Host }

// Headers returns the message headers. The map is shared by every attempt
// of this delivery and must not be modified.
func (c *ConsumeContext[T]) Headers() map[string]any { return c.headers }

// Header returns one header value
func (c *ConsumeContext[T]) Header(key string) (any, bool) {
	v, ok := c.headers[key]
	return v, ok
}

// Receive returns the delivery the message arrived in
func (c *ConsumeContext[T]) Receive() *ReceiveContext { return c.receive }

// ConsumerName returns the registered consumer name
func (c *ConsumeContext[T]) ConsumerName() string { return c.consumerName }

// RedeliveryCount returns how often the transport redelivered the message
func (c *ConsumeContext[T]) RedeliveryCount() int { return c.receive.RedeliveryCount }

// Attempts returns how many times the consumer has been invoked for this delivery
func (c *ConsumeContext[T]) Attempts() int { return int(c.attempts.Load()) }

// LogAttrs implements pipeline.LogAttributer
func (c *ConsumeContext[T]) LogAttrs() []any {
	attrs := []any{
		"messageId", c.MessageID(),
		"messageType", c.MessageType(),
		"queue", c.receive.QueueName,
		"consumer", c.consumerName,
	}
	if id := c.CorrelationID(); id != "" {
		attrs = append(attrs, "correlationId", id)
	}
	if id := c.ConversationID(); id != "" {
		attrs = append(attrs, "conversationId", id)
	}
	return attrs
}

// Publish publishes msg within this message's conversation
func (c *ConsumeContext[T]) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	if msg == nil {
		return ErrNilMessage
	}
	return c.bus.publish(ctx, reflect.TypeOf(msg), msg, c.receive.InputAddress, c.propagate(opts))
}

// Send sends msg to address within this message's conversation
func (c *ConsumeContext[T]) Send(ctx context.Context, address string, msg any, opts ...SendOption) error {
	return c.bus.send(ctx, address, msg, c.receive.InputAddress, c.propagate(opts))
}

// Respond sends msg to the response address of the inbound message
func (c *ConsumeContext[T]) Respond(ctx context.Context, msg any, opts ...SendOption) error {
	address := c.ResponseAddress()
	if address == "" {
		return ErrNoResponseAddress
	}
	env := c.receive.Envelope
	opts = append(opts, func(sc *SendContext) {
		if sc.RequestID == "" {
			sc.RequestID = env.RequestID
		}
		if sc.CorrelationID == "" {
			sc.CorrelationID = env.CorrelationID
		}
	})
	return c.bus.send(ctx, address, msg, c.receive.InputAddress, c.propagate(opts))
}

func (c *ConsumeContext[T]) propagate(opts []SendOption) []SendOption {
	env := c.receive.Envelope
	return append(opts, func(sc *SendContext) {
		if sc.ConversationID == "" {
			sc.ConversationID = env.ConversationID
		}
		if sc.InitiatorID == "" {
			sc.InitiatorID = env.MessageID
		}
	})
}
