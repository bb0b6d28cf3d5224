package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-transit/messaging"
)

// Scheme is the address scheme of RabbitMQ transports
const Scheme = "rabbitmq"

// Naming of auxiliary broker entities
const (
	DelayedExchangeSuffix = "_delay"
	ErrorQueueSuffix      = "_error"
	headerDelay           = "x-delay"
	exchangeKind          = messaging.KindExchange
)

// Factory implements messaging.TransportFactory for one broker connection
type Factory struct {
	manager  *ConnectionManager
	pool     *ChannelPool
	topology *TopologyManager
	host     string
	logger   *slog.Logger

	confirmTimeout       time.Duration
	singleActiveConsumer bool

	declared sync.Map
}

type factoryConfig struct {
	logger               *slog.Logger
	connection           []ConnectionOption
	pool                 []ChannelPoolOption
	confirmTimeout       time.Duration
	singleActiveConsumer bool
}

// Option configures a Factory
type Option func(*factoryConfig)

// WithLogger sets the logger used by the factory and its transports
func WithLogger(logger *slog.Logger) Option {
	return func(c *factoryConfig) {
		c.logger = logger
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...ConnectionOption) Option {
	return func(c *factoryConfig) {
		c.connection = append(c.connection, opts...)
	}
}

// WithChannelPoolOptions passes options to the publisher channel pool
func WithChannelPoolOptions(opts ...ChannelPoolOption) Option {
	return func(c *factoryConfig) {
		c.pool = append(c.pool, opts...)
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *factoryConfig) {
		c.confirmTimeout = timeout
	}
}

// WithSingleActiveConsumer declares receive queues with
// x-single-active-consumer so one consumer at a time sees the queue, in
// order.
func WithSingleActiveConsumer(enabled bool) Option {
	return func(c *factoryConfig) {
		c.singleActiveConsumer = enabled
	}
}

// NewFactory connects to the broker at url
func NewFactory(ctx context.Context, url string, opts ...Option) (*Factory, error) {
	cfg := &factoryConfig{
		logger:         slog.Default(),
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	uri, err := amqp.ParseURI(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	connOpts := append([]ConnectionOption{WithConnectionLogger(cfg.logger)}, cfg.connection...)
	manager := NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := NewChannelPool(manager, cfg.pool...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Factory{
		manager:              manager,
		pool:                 pool,
		topology:             NewTopologyManager(pool),
		host:                 uri.Host,
		logger:               cfg.logger,
		confirmTimeout:       cfg.confirmTimeout,
		singleActiveConsumer: cfg.singleActiveConsumer,
	}, nil
}

// Connection returns the connection manager
func (f *Factory) Connection() *ConnectionManager {
	return f.manager
}

// Pool returns the publishing channel pool
func (f *Factory) Pool() *ChannelPool {
	return f.pool
}

// Topology returns the topology manager
func (f *Factory) Topology() *TopologyManager {
	return f.topology
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
	return &sendTransport{factory: f, address: addr}, nil
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

// Close closes the channel pool and the connection
func (f *Factory) Close() error {
	return errors.Join(f.pool.Close(), f.manager.Close())
}

func (f *Factory) queueDeclaration(settings messaging.ReceiveSettings) QueueDeclaration {
	args := headerTable(settings.QueueArguments)
	if f.singleActiveConsumer && !settings.Exclusive {
		if args == nil {
			args = amqp.Table{}
		}
		args["x-single-active-consumer"] = true
	}
	return QueueDeclaration{
		Name:       settings.QueueName,
		Durable:    settings.Durable,
		AutoDelete: settings.AutoDelete,
		Exclusive:  settings.Exclusive,
		Arguments:  args,
	}
}

// ensure runs declare once per key for the lifetime of the factory
func (f *Factory) ensure(ctx context.Context, key string, declare func(context.Context) error) error {
	if _, ok := f.declared.Load(key); ok {
		return nil
	}
	if err := declare(ctx); err != nil {
		return err
	}
	f.declared.Store(key, struct{}{})
	return nil
}

func (f *Factory) ensureDestination(ctx context.Context, addr messaging.Address) error {
	if addr.Kind == exchangeKind {
		return f.ensure(ctx, "exchange:"+addr.Name, func(ctx context.Context) error {
			return f.topology.DeclareExchange(ctx, ExchangeDeclaration{Name: addr.Name, Type: ExchangeFanout, Durable: true})
		})
	}
	return f.ensure(ctx, "queue:"+addr.Name, func(ctx context.Context) error {
		return f.topology.EnsureQueue(ctx, addr.Name)
	})
}

func (f *Factory) ensureDelay(ctx context.Context, addr messaging.Address) (string, error) {
	delay, t := delayTopology(addr.Kind, addr.Name)
	err := f.ensure(ctx, "delay:"+addr.Kind+":"+addr.Name, func(ctx context.Context) error {
		return f.topology.DeclareTopology(ctx, t)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", messaging.ErrSchedulingUnsupported, err)
	}
	return delay, nil
}

// publish sends p and waits for the broker confirm
func (f *Factory) publish(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	err := f.pool.Execute(ctx, func(ch *PooledChannel) error {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, p)
		if err != nil {
			return err
		}
		if !ch.confirmed || dc == nil {
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
		defer cancel()
		ok, err := dc.WaitContext(waitCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return ErrPublishTimeout
			}
			return err
		}
		if !ok {
			return ErrPublishNotConfirmed
		}
		return nil
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: err}
	}
	return nil
}

type sendTransport struct {
	factory *Factory
	address messaging.Address
}

func (t *sendTransport) Send(ctx context.Context, msg *messaging.TransportMessage) error {
	if err := t.factory.ensureDestination(ctx, t.address); err != nil {
		return err
	}

	p := newPublishing(msg, time.Now())
	exchange, key := "", t.address.Name
	if t.address.Kind == exchangeKind {
		exchange, key = t.address.Name, ""
	}

	if msg.ScheduledTime != nil {
		if delay := time.Until(*msg.ScheduledTime); delay > 0 {
			delayed, err := t.factory.ensureDelay(ctx, t.address)
			if err != nil {
				return err
			}
			if p.Headers == nil {
				p.Headers = amqp.Table{}
			}
			p.Headers[headerDelay] = delay.Milliseconds()
			exchange, key = delayed, ""
		}
	}
	return t.factory.publish(ctx, exchange, key, p)
}
