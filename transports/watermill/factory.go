package watermill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/glimte/mmate-transit/messaging"
)

// Scheme is the address scheme of Watermill transports
const Scheme = "watermill"

// DeadLetterSuffix names the topic rejected deliveries are published to
const DeadLetterSuffix = "_error"

var (
	ErrInvalidConfiguration = errors.New("watermill: invalid configuration")
	ErrUnsupportedAddress   = errors.New("watermill: unsupported address")
)

// Factory implements messaging.TransportFactory over a Watermill
// Publisher and Subscriber
type Factory struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	host       string
	topic      func(string) string
	closeAll   bool
	logger     *slog.Logger
}

// Option configures a Factory
type Option func(*Factory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithHost sets the host part of transport addresses
func WithHost(host string) Option {
	return func(f *Factory) {
		f.host = host
	}
}

// WithTopicFormatter maps entity and queue names to topic names. Some
// backends restrict topic characters (Kafka rejects ':').
func WithTopicFormatter(fn func(name string) string) Option {
	return func(f *Factory) {
		f.topic = fn
	}
}

// WithCloseOnClose closes the publisher and subscriber when the factory is
// closed
func WithCloseOnClose() Option {
	return func(f *Factory) {
		f.closeAll = true
	}
}

// NewFactory creates a factory over publisher and subscriber. They may be
// the same value, as with gochannel.
func NewFactory(publisher message.Publisher, subscriber message.Subscriber, opts ...Option) (*Factory, error) {
	if publisher == nil || subscriber == nil {
		return nil, fmt.Errorf("%w: publisher and subscriber are required", ErrInvalidConfiguration)
	}
	f := &Factory{
		publisher:  publisher,
		subscriber: subscriber,
		host:       "local",
		topic:      func(name string) string { return name },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewGoChannelFactory creates a factory over an in-process gochannel
// pub/sub that the factory owns
func NewGoChannelFactory(logger *slog.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
	f, _ := NewFactory(pubsub, pubsub, append([]Option{WithLogger(logger), WithCloseOnClose()}, opts...)...)
	return f
}

// PublishAddress implements messaging.TransportFactory
func (f *Factory) PublishAddress(entityName string) string {
	return messaging.FormatAddress(Scheme, f.host, messaging.KindExchange, entityName)
}

// SendAddress implements messaging.TransportFactory
func (f *Factory) SendAddress(queueName string) string {
	return messaging.FormatAddress(Scheme, f.host, messaging.KindQueue, queueName)
}

// SendTransport implements messaging.TransportFactory
func (f *Factory) SendTransport(_ context.Context, address string) (messaging.SendTransport, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if addr.Scheme != Scheme {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedAddress, addr.Scheme)
	}
	return &sendTransport{factory: f, topic: f.topic(addr.Name)}, nil
}

// CreateReceiveTransport implements messaging.TransportFactory
func (f *Factory) CreateReceiveTransport(_ context.Context, settings messaging.ReceiveSettings, handler messaging.DeliveryHandler) (messaging.ReceiveTransport, error) {
	if settings.QueueName == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: delivery handler is required", ErrInvalidConfiguration)
	}
	return newReceiveTransport(f, settings, handler), nil
}

// Close closes the publisher and subscriber when the factory owns them
func (f *Factory) Close() error {
	if !f.closeAll {
		return nil
	}
	err := f.publisher.Close()
	if any(f.subscriber) != any(f.publisher) {
		err = errors.Join(err, f.subscriber.Close())
	}
	return err
}

func (f *Factory) publish(topic string, wm *message.Message) error {
	if err := f.publisher.Publish(topic, wm); err != nil {
		return fmt.Errorf("watermill: publish to %s: %w", topic, err)
	}
	return nil
}

type sendTransport struct {
	factory *Factory
	topic   string
}

func (t *sendTransport) Send(ctx context.Context, msg *messaging.TransportMessage) error {
	if msg.ScheduledTime != nil && msg.ScheduledTime.After(time.Now()) {
		return messaging.ErrSchedulingUnsupported
	}
	wm, err := toMessage(msg, time.Now())
	if err != nil {
		return err
	}
	wm.SetContext(ctx)
	return t.factory.publish(t.topic, wm)
}
