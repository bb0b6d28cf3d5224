package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/internal/ids"
	"github.com/glimte/mmate-transit/pipeline"
	"github.com/glimte/mmate-transit/retry"
	"github.com/glimte/mmate-transit/serialization"
	"github.com/glimte/mmate-transit/topology"
)

const (
	// DefaultPrefetchCount bounds concurrent deliveries per endpoint
	DefaultPrefetchCount = 10

	// DefaultRetryLimit is the number of retries after the first attempt
	DefaultRetryLimit = 3
)

// EndpointSettings override the code-level configuration of one queue
type EndpointSettings struct {
	PrefetchCount  int
	Retry          retry.Policy
	QueueArguments map[string]any
	Filters        []string
}

// Bus connects consumers, publishers and request clients to a transport
type Bus struct {
	factory    TransportFactory
	topology   *topology.Registry
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    *Metrics
	tracing    *Tracing
	host       contracts.HostInfo
	address    string

	defaultRetry    retry.Policy
	defaultPrefetch int
	requestTimeout  RequestTimeout
	endpointConfig  map[string]EndpointSettings

	sendConfig    *pipeline.Configurator[*SendContext]
	publishConfig *pipeline.Configurator[*PublishContext]
	filters       *pipeline.Registry[MessageContext]

	pipesOnce   sync.Once
	pipesErr    error
	sendPipe    pipeline.Pipe[*SendContext]
	publishPipe pipeline.Pipe[*PublishContext]

	transportsMu sync.Mutex
	transports   map[string]SendTransport

	mu        sync.Mutex
	started   bool
	endpoints map[string]*receiveEndpoint
	receivers []ReceiveTransport
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithBusLogger sets the logger used by the bus and its filters
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopology replaces the default topology registry
func WithTopology(registry *topology.Registry) BusOption {
	return func(b *Bus) {
		if registry != nil {
			b.topology = registry
		}
	}
}

// WithSerializer replaces the default envelope serializer
func WithSerializer(s serialization.Serializer) BusOption {
	return func(b *Bus) {
		if s != nil {
			b.serializer = s
		}
	}
}

// WithRetryPolicy sets the retry policy for consumers that do not set one
func WithRetryPolicy(policy retry.Policy) BusOption {
	return func(b *Bus) {
		b.defaultRetry = policy
	}
}

// WithDefaultPrefetch sets the prefetch count for endpoints that do not set one
func WithDefaultPrefetch(count int) BusOption {
	return func(b *Bus) {
		if count > 0 {
			b.defaultPrefetch = count
		}
	}
}

// WithDefaultRequestTimeout sets the timeout for requests without WithTimeout
func WithDefaultRequestTimeout(timeout RequestTimeout) BusOption {
	return func(b *Bus) {
		b.requestTimeout = timeout
	}
}

// WithEndpointSettings overrides the settings of one queue
func WithEndpointSettings(queueName string, settings EndpointSettings) BusOption {
	return func(b *Bus) {
		b.endpointConfig[queueName] = settings
	}
}

// WithMetrics records bus metrics
func WithMetrics(m *Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithTracing traces sends, publishes and consumes
func WithTracing(t *Tracing) BusOption {
	return func(b *Bus) {
		b.tracing = t
	}
}

// WithHostInfo overrides the host reported in envelopes and faults
func WithHostInfo(host contracts.HostInfo) BusOption {
	return func(b *Bus) {
		b.host = host
	}
}

// WithSendFilter adds a filter to the send pipe
func WithSendFilter(f pipeline.Filter[*SendContext]) BusOption {
	return func(b *Bus) {
		b.sendConfig.Use(f)
	}
}

// WithPublishFilter adds a filter to the publish pipe
func WithPublishFilter(f pipeline.Filter[*PublishContext]) BusOption {
	return func(b *Bus) {
		b.publishConfig.Use(f)
	}
}

// WithFilterRegistry sets the registry named consumer filters resolve from
func WithFilterRegistry(r *pipeline.Registry[MessageContext]) BusOption {
	return func(b *Bus) {
		if r != nil {
			b.filters = r
		}
	}
}

// NewBus creates a bus on top of factory
func NewBus(factory TransportFactory, opts ...BusOption) *Bus {
	b := &Bus{
		factory:         factory,
		topology:        topology.NewRegistry(),
		logger:          slog.Default(),
		host:            contracts.CurrentHost(),
		defaultRetry:    retry.Immediate(DefaultRetryLimit),
		defaultPrefetch: DefaultPrefetchCount,
		requestTimeout:  TimeoutDefault,
		endpointConfig:  map[string]EndpointSettings{},
		sendConfig:      pipeline.NewConfigurator[*SendContext](),
		publishConfig:   pipeline.NewConfigurator[*PublishContext](),
		filters:         pipeline.NewRegistry[MessageContext](),
		transports:      map[string]SendTransport{},
		endpoints:       map[string]*receiveEndpoint{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.serializer == nil {
		b.serializer = serialization.NewEnvelopeSerializer(serialization.WithHost(b.host))
	}
	b.address = factory.SendAddress(ids.NewTemporaryName("mmate-bus"))
	return b
}

// Topology returns the topology registry
func (b *Bus) Topology() *topology.Registry { return b.topology }

// Filters returns the registry named consumer filters resolve from
func (b *Bus) Filters() *pipeline.Registry[MessageContext] { return b.filters }

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger { return b.logger }

// Address is the source address of messages sent outside a consumer
func (b *Bus) Address() string { return b.address }

// QueueAddress returns the send address of a queue
func (b *Bus) QueueAddress(queueName string) string {
	return b.factory.SendAddress(queueName)
}

// PublishAddress returns the address messages of type t are published to
func (b *Bus) PublishAddress(t reflect.Type) string {
	return b.factory.PublishAddress(b.topology.EntityName(t))
}

// Start declares every registered endpoint and begins consuming
func (b *Bus) Start(ctx context.Context) error {
	if err := b.buildPipes(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrBusStarted
	}

	var receivers []ReceiveTransport
	for _, ep := range b.topology.Endpoints() {
		re, ok := b.endpoints[ep.QueueName]
		if !ok {
			continue
		}
		settings := b.receiveSettings(ep)
		if err := re.build(ep, settings); err != nil {
			return err
		}
		rt, err := b.factory.CreateReceiveTransport(ctx, settings, re.deliver)
		if err != nil {
			return fmt.Errorf("create receive transport for %s: %w", ep.QueueName, err)
		}
		re.address = rt.Address()
		receivers = append(receivers, rt)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range receivers {
		g.Go(func() error {
			return rt.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, rt := range receivers {
			if stopErr := rt.Stop(stopCtx); stopErr != nil {
				b.logger.Warn("failed to stop receive transport", "address", rt.Address(), "error", stopErr)
			}
		}
		return fmt.Errorf("start bus: %w", err)
	}

	b.receivers = receivers
	b.started = true
	b.logger.Info("bus started", "endpoints", len(receivers), "address", b.address)
	return nil
}

// Stop stops every receive transport and waits for in-flight deliveries
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	receivers := b.receivers
	b.receivers = nil
	b.started = false
	b.mu.Unlock()

	var g errgroup.Group
	for _, rt := range receivers {
		g.Go(func() error {
			if err := rt.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", rt.Address(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	b.logger.Info("bus stopped", "endpoints", len(receivers))
	return err
}

// Started reports whether the bus is consuming
func (b *Bus) Started() bool {
	return b.isStarted()
}

// ReceiveAddresses returns the addresses of the running receive transports
func (b *Bus) ReceiveAddresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	addresses := make([]string, 0, len(b.receivers))
	for _, rt := range b.receivers {
		addresses = append(addresses, rt.Address())
	}
	return addresses
}

// Send sends msg to address
func (b *Bus) Send(ctx context.Context, address string, msg any, opts ...SendOption) error {
	return b.send(ctx, address, msg, b.address, opts)
}

// Publish publishes msg to every consumer bound to its type
func (b *Bus) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	if msg == nil {
		return ErrNilMessage
	}
	return b.publish(ctx, reflect.TypeOf(msg), msg, b.address, opts)
}

func (b *Bus) receiveSettings(ep topology.Endpoint) ReceiveSettings {
	settings := ReceiveSettings{
		QueueName:      ep.QueueName,
		EntityNames:    ep.EntityNames(),
		PrefetchCount:  ep.PrefetchCount,
		QueueArguments: ep.QueueArguments,
		Durable:        true,
	}
	if override, ok := b.endpointConfig[ep.QueueName]; ok {
		if override.PrefetchCount > 0 {
			settings.PrefetchCount = override.PrefetchCount
		}
		for k, v := range override.QueueArguments {
			if settings.QueueArguments == nil {
				settings.QueueArguments = map[string]any{}
			}
			settings.QueueArguments[k] = v
		}
	}
	if settings.PrefetchCount <= 0 {
		settings.PrefetchCount = b.defaultPrefetch
	}
	return settings
}

func (b *Bus) buildPipes() error {
	b.pipesOnce.Do(func() {
		send := pipeline.NewConfigurator[*SendContext]()
		publish := pipeline.NewConfigurator[*PublishContext]()
		if b.tracing != nil {
			send.Use(tracingOutbound[*SendContext](b.tracing, "send"))
			publish.Use(tracingOutbound[*PublishContext](b.tracing, "publish"))
		}

		sendPipe, err := b.sendConfig.BuildWith(nil, pipeline.PipeFunc[*SendContext](b.transmit))
		if err != nil {
			b.pipesErr = fmt.Errorf("build send pipe: %w", err)
			return
		}
		b.sendPipe, _ = send.BuildWith(nil, sendPipe)

		publishPipe, err := b.publishConfig.BuildWith(nil, pipeline.PipeFunc[*PublishContext](func(ctx context.Context, pc *PublishContext) error {
			return b.transmit(ctx, &pc.SendContext)
		}))
		if err != nil {
			b.pipesErr = fmt.Errorf("build publish pipe: %w", err)
			return
		}
		b.publishPipe, _ = publish.BuildWith(nil, publishPipe)
	})
	return b.pipesErr
}

func (b *Bus) newSendContext(msg any, opts []SendOption) *SendContext {
	sc := &SendContext{
		Message:   msg,
		MessageID: ids.NewMessageID(),
		Headers:   map[string]any{},
		Durable:   true,
	}
	if msg != nil {
		sc.MessageTypes = contracts.MessageTypes(reflect.TypeOf(msg))
	}
	if c, ok := msg.(contracts.Correlated); ok {
		sc.CorrelationID = c.CorrelationID()
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.ConversationID == "" {
		sc.ConversationID = ids.NewMessageID()
	}
	return sc
}

func (b *Bus) send(ctx context.Context, address string, msg any, source string, opts []SendOption) error {
	if msg == nil {
		return ErrNilMessage
	}
	if err := b.buildPipes(); err != nil {
		return err
	}
	sc := b.newSendContext(msg, opts)
	sc.SourceAddress = source
	sc.DestinationAddress = address
	return b.sendPipe.Send(ctx, sc)
}

func (b *Bus) publish(ctx context.Context, t reflect.Type, msg any, source string, opts []SendOption) error {
	if err := b.buildPipes(); err != nil {
		return err
	}
	entity := b.topology.RegisterMessage(t).EntityName
	pc := &PublishContext{EntityName: entity}
	pc.SendContext = *b.newSendContext(msg, opts)
	if t != reflect.TypeOf(msg) {
		pc.MessageTypes = contracts.MessageTypes(t)
	}
	pc.SourceAddress = source
	pc.DestinationAddress = b.factory.PublishAddress(entity)
	return b.publishPipe.Send(ctx, pc)
}

// transmit is the terminal stage of the send and publish pipes
func (b *Bus) transmit(ctx context.Context, sc *SendContext) error {
	start := time.Now()
	messageType := ""
	if len(sc.MessageTypes) > 0 {
		messageType = sc.MessageTypes[0]
	}

	err := b.transmitEnvelope(ctx, sc)
	b.metrics.observeSend(messageType, time.Since(start), err)
	if err != nil {
		return &PublishError{Op: "send", MessageType: messageType, Address: sc.DestinationAddress, Err: err}
	}
	return nil
}

func (b *Bus) transmitEnvelope(ctx context.Context, sc *SendContext) error {
	env, err := newEnvelope(sc)
	if err != nil {
		return err
	}
	body, err := b.serializer.Serialize(env)
	if err != nil {
		return err
	}
	st, err := b.sendTransport(ctx, sc.DestinationAddress)
	if err != nil {
		return err
	}
	_, headers := contracts.SplitHostHeaders(b.host, sc.Headers)
	return st.Send(ctx, &TransportMessage{
		Body:          body,
		Headers:       headers,
		ContentType:   b.serializer.ContentType(),
		MessageID:     sc.MessageID,
		CorrelationID: sc.CorrelationID,
		TimeToLive:    sc.TimeToLive,
		ScheduledTime: sc.ScheduledTime,
		Durable:       sc.Durable,
		Priority:      sc.Priority,
	})
}

// sendTransport returns the cached transport for address
func (b *Bus) sendTransport(ctx context.Context, address string) (SendTransport, error) {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()
	if st, ok := b.transports[address]; ok {
		return st, nil
	}
	st, err := b.factory.SendTransport(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("open send transport %s: %w", address, err)
	}
	b.transports[address] = st
	return st, nil
}

func (b *Bus) endpoint(queueName string) (*receiveEndpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, ErrBusStarted
	}
	re, ok := b.endpoints[queueName]
	if !ok {
		re = newReceiveEndpoint(b, queueName)
		b.endpoints[queueName] = re
	}
	return re, nil
}
