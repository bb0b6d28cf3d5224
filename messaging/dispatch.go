package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/pipeline"
	"github.com/glimte/mmate-transit/retry"
	"github.com/glimte/mmate-transit/serialization"
	"github.com/glimte/mmate-transit/topology"
)

// inboundHandler runs one consumer's pipe for deliveries of one message type
type inboundHandler interface {
	name() string
	build(re *receiveEndpoint, ct topology.ConsumerTopology) error
	handle(ctx context.Context, rc *ReceiveContext) error
}

// receiveEndpoint dispatches the deliveries of one queue by message type
type receiveEndpoint struct {
	bus       *Bus
	queueName string
	address   string
	types     *serialization.TypeRegistry
	handlers  map[string][]inboundHandler
}

func newReceiveEndpoint(bus *Bus, queueName string) *receiveEndpoint {
	return &receiveEndpoint{
		bus:       bus,
		queueName: queueName,
		address:   bus.factory.SendAddress(queueName),
		types:     serialization.NewTypeRegistry(),
		handlers:  map[string][]inboundHandler{},
	}
}

func (re *receiveEndpoint) add(urn string, t reflect.Type, h inboundHandler) {
	// Registration errors only occur for URN conflicts, which cannot
	// happen for a URN derived from t itself.
	_, _ = re.types.Register(t)
	for i, existing := range re.handlers[urn] {
		if existing.name() == h.name() {
			re.handlers[urn][i] = h
			return
		}
	}
	re.handlers[urn] = append(re.handlers[urn], h)
}

// build creates the pipes of every handler once the topology is final
func (re *receiveEndpoint) build(ep topology.Endpoint, settings ReceiveSettings) error {
	override, hasOverride := re.bus.endpointConfig[re.queueName]
	for _, ct := range ep.Consumers {
		if hasOverride {
			if override.Retry != nil {
				ct.Retry = override.Retry
			}
			for _, name := range override.Filters {
				topology.WithFilters(name)(&ct)
			}
		}
		for _, handlers := range re.handlers {
			for _, h := range handlers {
				if h.name() != ct.ConsumerName {
					continue
				}
				if err := h.build(re, ct); err != nil {
					return fmt.Errorf("build consumer %s on %s: %w", ct.ConsumerName, settings.QueueName, err)
				}
			}
		}
	}
	return nil
}

// deliver is the DeliveryHandler of the endpoint. Only envelopes that
// cannot be read are returned to the transport; every message that
// reached a consumer pipe is acknowledged whatever its outcome.
func (re *receiveEndpoint) deliver(ctx context.Context, body []byte, headers map[string]any) error {
	bus := re.bus
	receivedAt := time.Now()

	env, err := bus.serializer.Deserialize(body)
	if err != nil {
		bus.logger.ErrorContext(ctx, "failed to read envelope", "queue", re.queueName, "error", err)
		bus.metrics.observeMalformed(re.queueName)
		return err
	}

	if env.IsExpired(receivedAt) {
		bus.logger.DebugContext(ctx, "skipping expired message",
			"queue", re.queueName,
			"messageId", env.MessageID,
			"expirationTime", env.ExpirationTime,
		)
		bus.metrics.observeSkipped(re.queueName, "expired")
		return nil
	}

	urn, err := serialization.ResolveMessageType(env, re.types.IsRegistered)
	if err != nil {
		bus.logger.DebugContext(ctx, "skipping message with no registered consumer",
			"queue", re.queueName,
			"messageId", env.MessageID,
			"messageTypes", env.MessageType,
		)
		bus.metrics.observeSkipped(re.queueName, "unknown_type")
		return nil
	}

	rc := &ReceiveContext{
		QueueName:        re.queueName,
		InputAddress:     re.address,
		Body:             body,
		TransportHeaders: headers,
		Envelope:         env,
		MessageType:      urn,
		RedeliveryCount:  contracts.RedeliveryCount(headers),
		ReceivedAt:       receivedAt,
	}

	bus.metrics.inFlight(re.queueName, 1)
	defer bus.metrics.inFlight(re.queueName, -1)

	// Every consumer bound to the type gets the delivery; a payload one of
	// them cannot decode is still reported once the others have run.
	var malformed error
	for _, h := range re.handlers[urn] {
		if err := h.handle(ctx, rc); err != nil && serialization.IsMalformed(err) && malformed == nil {
			malformed = err
		}
	}
	return malformed
}

// consumerHandler owns the pipe of one consumer
type consumerHandler[M any] struct {
	bus          *Bus
	consumerName string
	factory      ConsumerFactory[M]
	decode       func(*contracts.Envelope) (M, error)
	filters      []pipeline.Filter[*ConsumeContext[M]]
	pipe         pipeline.Pipe[*ConsumeContext[M]]
}

func (h *consumerHandler[M]) name() string {
	return h.consumerName
}

// build assembles the consumer pipe in the order error, fault, retry,
// custom filters, consumer invocation. Observability filters wrap it all.
func (h *consumerHandler[M]) build(re *receiveEndpoint, ct topology.ConsumerTopology) error {
	bus := h.bus
	policy := ct.Retry
	if policy == nil {
		policy = bus.defaultRetry
	}

	cfg := pipeline.NewConfigurator[*ConsumeContext[M]]()
	if bus.tracing != nil {
		cfg.Use(adaptFilter[M](bus.tracing.consumeFilter()))
	}
	if bus.metrics != nil {
		cfg.Use(adaptFilter[M](bus.metrics.consumeFilter()))
	}
	cfg.Use(&errorFilter[M]{bus: bus})
	cfg.Use(&faultFilter[M]{bus: bus})
	cfg.Use(retry.NewFilter[*ConsumeContext[M]](policy,
		retry.WithLogger(bus.logger),
		retry.WithObserver(func(ctx context.Context, attempt int, delay time.Duration, err error) {
			bus.metrics.observeRetry(re.queueName, h.consumerName)
		}),
	))
	for _, f := range h.filters {
		cfg.Use(f)
	}
	for _, name := range ct.Filters {
		f, err := bus.filters.ResolveFilter(name)
		if err != nil {
			return err
		}
		cfg.Use(adaptFilter[M](f))
	}

	pipe, err := cfg.BuildWith(nil, pipeline.PipeFunc[*ConsumeContext[M]](h.invoke))
	if err != nil {
		return err
	}
	h.pipe = pipe
	return nil
}

func (h *consumerHandler[M]) handle(ctx context.Context, rc *ReceiveContext) error {
	message, err := h.decode(rc.Envelope)
	if err != nil {
		h.bus.logger.ErrorContext(ctx, "failed to decode message",
			"queue", rc.QueueName,
			"consumer", h.consumerName,
			"messageId", rc.Envelope.MessageID,
			"messageType", rc.MessageType,
			"error", err,
		)
		h.bus.metrics.observeMalformed(rc.QueueName)
		return err
	}

	cc := newConsumeContext(h.bus, h.consumerName, rc, message)
	if err := h.pipe.Send(ctx, cc); err != nil {
		h.bus.logger.ErrorContext(ctx, "consumer failed", append(cc.LogAttrs(), "error", err)...)
		return err
	}
	return nil
}

// invoke resolves a consumer for one attempt, runs it and releases it
func (h *consumerHandler[M]) invoke(ctx context.Context, cc *ConsumeContext[M]) (err error) {
	cc.attempts.Add(1)
	consumer, release, err := h.factory.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve consumer %s: %w", h.consumerName, err)
	}
	if release != nil {
		defer release()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &pipeline.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if consumer == nil {
		return errors.New("consumer factory returned nil consumer")
	}
	return consumer.Consume(ctx, cc)
}
