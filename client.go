// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-transit/config"
	"github.com/glimte/mmate-transit/health"
	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/topology"
	"github.com/glimte/mmate-transit/transports/inmemory"
	"github.com/glimte/mmate-transit/transports/rabbitmq"
	"github.com/glimte/mmate-transit/transports/redisstream"
	"github.com/glimte/mmate-transit/transports/watermill"
)

// Client provides the main entry point for mmate-transit: a bus on the
// transport the configuration selects, with its health checks
type Client struct {
	bus     *messaging.Bus
	factory messaging.TransportFactory
	health  *health.Registry
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates the transport factory and bus described by cfg. A nil
// cfg uses config.Defaults().
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = newLogger(cfg.Logging.Level)
	}

	c := &Client{health: health.NewRegistry(), logger: cc.logger}

	factory, err := c.newTransportFactory(ctx, cfg, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.factory = factory

	busOptions, err := busOptions(cfg, cc)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	c.bus = messaging.NewBus(factory, busOptions...)
	c.health.Register(health.NewBusChecker(c.bus))

	c.logger.Info("client created", "transport", cfg.Transport.Kind, "address", c.bus.Address())
	return c, nil
}

// Bus returns the message bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Transport returns the transport factory the bus runs on
func (c *Client) Transport() messaging.TransportFactory {
	return c.factory
}

// Health returns the registry holding the bus and transport checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Start starts consuming on every registered endpoint
func (c *Client) Start(ctx context.Context) error {
	return c.bus.Start(ctx)
}

// Publish publishes msg to the entity of its type
func (c *Client) Publish(ctx context.Context, msg any, opts ...messaging.SendOption) error {
	return c.bus.Publish(ctx, msg, opts...)
}

// Send sends msg to the queue named queueName
func (c *Client) Send(ctx context.Context, queueName string, msg any, opts ...messaging.SendOption) error {
	return c.bus.Send(ctx, c.bus.QueueAddress(queueName), msg, opts...)
}

// Close stops the bus, waiting for in-flight deliveries until ctx ends,
// then releases the transport
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.bus.Stop(ctx), c.factory.Close())
		c.logger.Info("client closed")
	})
	return c.closeErr
}

func (c *Client) newTransportFactory(ctx context.Context, cfg *config.Config, cc *clientConfig) (messaging.TransportFactory, error) {
	if cc.factory != nil {
		return cc.factory, nil
	}

	switch cfg.Transport.Kind {
	case config.TransportRabbitMQ:
		rc := cfg.Transport.RabbitMQ
		f, err := rabbitmq.NewFactory(ctx, rc.URL,
			rabbitmq.WithLogger(cc.logger),
			rabbitmq.WithConnectionOptions(
				rabbitmq.WithConnectionLogger(cc.logger),
				rabbitmq.WithConnectionName(rc.ConnectionName),
				rabbitmq.WithReconnectDelay(rc.ReconnectDelay, rc.MaxReconnectDelay),
			),
			rabbitmq.WithChannelPoolOptions(rabbitmq.WithMaxSize(rc.ChannelPoolSize)),
			rabbitmq.WithConfirmTimeout(rc.ConfirmTimeout),
			rabbitmq.WithSingleActiveConsumer(rc.SingleActiveConsumer),
		)
		if err != nil {
			return nil, err
		}
		c.health.Register(health.NewRabbitMQChecker(f.Connection()))
		c.health.Register(health.NewChannelPoolChecker(f.Pool()))
		return f, nil

	case config.TransportRedis:
		rc := cfg.Transport.Redis
		opts := []redisstream.Option{
			redisstream.WithLogger(cc.logger),
			redisstream.WithKeyPrefix(rc.KeyPrefix),
			redisstream.WithGroup(rc.Group),
			redisstream.WithMaxLen(rc.MaxLen),
			redisstream.WithClaim(rc.ClaimIdle, rc.ClaimIdle/4),
		}
		var (
			f   *redisstream.Factory
			err error
		)
		if cc.redisClient != nil {
			f, err = redisstream.NewFactory(ctx, cc.redisClient, opts...)
		} else {
			f, err = redisstream.Dial(ctx, rc.URL, opts...)
		}
		if err != nil {
			return nil, err
		}
		c.health.Register(health.NewRedisChecker(f.Client()))
		return f, nil

	case config.TransportWatermill:
		if cc.publisher != nil {
			return watermill.NewFactory(cc.publisher, cc.subscriber, watermill.WithLogger(cc.logger))
		}
		return watermill.NewGoChannelFactory(cc.logger), nil

	default:
		return inmemory.NewFactory(inmemory.NewHub(inmemory.WithLogger(cc.logger))), nil
	}
}

func busOptions(cfg *config.Config, cc *clientConfig) ([]messaging.BusOption, error) {
	topologyOptions := []topology.Option{
		topology.WithEntityPrefix(cfg.Topology.EntityPrefix),
		topology.WithQueueNameFormatter(topology.KebabQueueNameFormatter{Suffix: cfg.Topology.QueueSuffix}),
	}
	for _, o := range cfg.Topology.EntityNames {
		topologyOptions = append(topologyOptions, topology.WithEntityNameOverride(o.Type, o.Name))
	}

	opts := []messaging.BusOption{
		messaging.WithBusLogger(cc.logger),
		messaging.WithTopology(topology.NewRegistry(topologyOptions...)),
		messaging.WithRetryPolicy(cfg.Retry.Policy()),
		messaging.WithDefaultPrefetch(cfg.PrefetchCount),
		messaging.WithDefaultRequestTimeout(messaging.TimeoutAfter(cfg.RequestTimeout)),
	}

	for _, ep := range cfg.Endpoints {
		settings := messaging.EndpointSettings{
			PrefetchCount:  ep.PrefetchCount,
			QueueArguments: ep.QueueArguments,
			Filters:        ep.Filters,
		}
		if ep.Retry != nil {
			settings.Retry = ep.Retry.Policy()
		}
		opts = append(opts, messaging.WithEndpointSettings(ep.Queue, settings))
	}

	if cfg.Metrics.Enabled {
		metrics := messaging.NewMetrics(cfg.Metrics.Namespace)
		if err := metrics.Register(cc.registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, messaging.WithMetrics(metrics))
	}

	if cfg.Tracing.Enabled || cc.tracerProvider != nil {
		var tracingOptions []messaging.TracingOption
		if cc.tracerProvider != nil {
			tracingOptions = append(tracingOptions, messaging.WithTracerProvider(cc.tracerProvider))
		}
		opts = append(opts, messaging.WithTracing(messaging.NewTracing(tracingOptions...)))
	}

	return append(opts, cc.busOptions...), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	factory        messaging.TransportFactory
	redisClient    redis.UniversalClient
	publisher      message.Publisher
	subscriber     message.Subscriber
	busOptions     []messaging.BusOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger regardless of the configured level
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithRegisterer registers bus metrics with reg instead of the default registerer
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithTracerProvider enables tracing with provider
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = provider
	}
}

// WithTransportFactory runs the bus on factory, ignoring the configured transport
func WithTransportFactory(factory messaging.TransportFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factory = factory
	}
}

// WithRedisClient uses client for the redis transport instead of dialing
// the configured url. The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redisClient = client
	}
}

// WithWatermill runs the watermill transport on publisher and subscriber
// instead of an in-process gochannel
func WithWatermill(publisher message.Publisher, subscriber message.Subscriber) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisher = publisher
		cfg.subscriber = subscriber
	}
}

// WithBusOptions applies opts after the options derived from configuration
func WithBusOptions(opts ...messaging.BusOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, opts...)
	}
}
