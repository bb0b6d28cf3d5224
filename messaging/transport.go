package messaging

import (
	"context"
	"time"
)

// TransportMessage is one outbound message as handed to a transport
type TransportMessage struct {
	Body          []byte
	Headers       map[string]any
	ContentType   string
	MessageID     string
	CorrelationID string
	TimeToLive    time.Duration
	ScheduledTime *time.Time
	Durable       bool
	Priority      uint8
}

// DeliveryHandler processes one inbound delivery. Returning nil
// acknowledges the delivery; returning an error hands it back to the
// transport's own recovery (dead-lettering, requeue). The runtime calls
// the transport handler exactly once per delivery.
type DeliveryHandler func(ctx context.Context, body []byte, headers map[string]any) error

// SendTransport transmits messages to one address
type SendTransport interface {
	Send(ctx context.Context, msg *TransportMessage) error
}

// ReceiveTransport delivers messages from one queue to a DeliveryHandler
type ReceiveTransport interface {
	// Start declares the queue and its bindings and begins delivering
	Start(ctx context.Context) error

	// Stop stops delivering and waits for in-flight deliveries
	Stop(ctx context.Context) error

	// Address returns the send address of the queue
	Address() string
}

// ReceiveSettings describe the queue a receive transport consumes from
type ReceiveSettings struct {
	QueueName      string
	EntityNames    []string
	PrefetchCount  int
	QueueArguments map[string]any
	Durable        bool
	AutoDelete     bool
	Exclusive      bool
}

// TransportFactory creates transports for one broker connection
type TransportFactory interface {
	// SendTransport returns a transport for address
	SendTransport(ctx context.Context, address string) (SendTransport, error)

	// CreateReceiveTransport prepares a receive transport; it starts
	// delivering when started
	CreateReceiveTransport(ctx context.Context, settings ReceiveSettings, handler DeliveryHandler) (ReceiveTransport, error)

	// PublishAddress returns the address of the entity messages are published to
	PublishAddress(entityName string) string

	// SendAddress returns the address of a queue
	SendAddress(queueName string) string

	// Close releases the broker connection
	Close() error
}
