package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/pipeline"
	"github.com/glimte/mmate-transit/pipeline/condition"
	"github.com/glimte/mmate-transit/retry"
	"github.com/glimte/mmate-transit/serialization"
	"github.com/glimte/mmate-transit/topology"
)

type consumerSettings struct {
	topology  []topology.ConsumerOption
	filters   []any
	condition string
}

// ConsumerOption configures a consumer registration
type ConsumerOption func(*consumerSettings)

// WithQueue receives from name instead of the formatted queue name
func WithQueue(name string) ConsumerOption {
	return func(s *consumerSettings) {
		s.topology = append(s.topology, topology.WithQueueName(name))
	}
}

// WithPrefetch bounds concurrent deliveries on the consumer's queue
func WithPrefetch(count int) ConsumerOption {
	return func(s *consumerSettings) {
		s.topology = append(s.topology, topology.WithPrefetchCount(count))
	}
}

// WithConsumerRetry overrides the bus retry policy for this consumer
func WithConsumerRetry(policy retry.Policy) ConsumerOption {
	return func(s *consumerSettings) {
		s.topology = append(s.topology, topology.WithRetry(policy))
	}
}

// WithQueueArgument sets a broker-specific queue argument
func WithQueueArgument(key string, value any) ConsumerOption {
	return func(s *consumerSettings) {
		s.topology = append(s.topology, topology.WithQueueArgument(key, value))
	}
}

// WithNamedFilters adds filters resolved from the bus filter registry at start
func WithNamedFilters(names ...string) ConsumerOption {
	return func(s *consumerSettings) {
		s.topology = append(s.topology, topology.WithFilters(names...))
	}
}

// WithCondition only invokes the consumer when the CEL expression holds.
// Skipped messages are acknowledged.
func WithCondition(expression string) ConsumerOption {
	return func(s *consumerSettings) {
		s.condition = expression
	}
}

// UseFilter adds a typed filter in front of the consumer
func UseFilter[T any](f pipeline.Filter[*ConsumeContext[T]]) ConsumerOption {
	return func(s *consumerSettings) {
		s.filters = append(s.filters, f)
	}
}

// UseMessageFilter adds a filter that works on any message type
func UseMessageFilter(f pipeline.Filter[MessageContext]) ConsumerOption {
	return func(s *consumerSettings) {
		s.filters = append(s.filters, f)
	}
}

// Handle registers a consumer of T
func Handle[T any](bus *Bus, consumerName string, factory ConsumerFactory[T], opts ...ConsumerOption) error {
	return register[T](bus, consumerName, factory, serialization.DecodeMessage[T], opts)
}

// HandleFunc registers fn as a consumer of T
func HandleFunc[T any](bus *Bus, consumerName string, fn func(ctx context.Context, cc *ConsumeContext[T]) error, opts ...ConsumerOption) error {
	return Handle(bus, consumerName, Singleton[T](ConsumerFunc[T](fn)), opts...)
}

// HandleBatch registers a consumer of batches of T. A batch travels as
// one envelope listing T's message types, see PublishBatch.
func HandleBatch[T any](bus *Bus, consumerName string, factory ConsumerFactory[[]T], opts ...ConsumerOption) error {
	return register[T](bus, consumerName, factory, serialization.DecodeBatch[T], opts)
}

// register binds a consumer of M to the message type T
func register[T, M any](bus *Bus, consumerName string, factory ConsumerFactory[M], decode func(*contracts.Envelope) (M, error), opts []ConsumerOption) error {
	if factory == nil {
		return errors.New("messaging: consumer factory cannot be nil")
	}
	var s consumerSettings
	for _, opt := range opts {
		opt(&s)
	}

	filters := make([]pipeline.Filter[*ConsumeContext[M]], 0, len(s.filters)+1)
	if s.condition != "" {
		cf, err := condition.New(s.condition, conditionVariables[M],
			condition.WithSkipHandler(func(ctx context.Context, cc *ConsumeContext[M]) {
				bus.logger.DebugContext(ctx, "condition not met, skipping consumer", cc.LogAttrs()...)
				bus.metrics.observeSkipped(cc.receive.QueueName, "condition")
			}))
		if err != nil {
			return fmt.Errorf("consumer %s: %w", consumerName, err)
		}
		filters = append(filters, cf)
	}
	for _, f := range s.filters {
		switch f := f.(type) {
		case pipeline.Filter[*ConsumeContext[M]]:
			filters = append(filters, f)
		case pipeline.Filter[MessageContext]:
			filters = append(filters, adaptFilter[M](f))
		default:
			return fmt.Errorf("%w: consumer %s cannot use %T", ErrConsumerMismatch, consumerName, f)
		}
	}

	messageType := reflect.TypeOf((*T)(nil)).Elem()
	if bus.isStarted() {
		return ErrBusStarted
	}
	ct, err := bus.topology.RegisterConsumer(consumerName, messageType, s.topology...)
	if err != nil {
		return err
	}
	re, err := bus.endpoint(ct.QueueName)
	if err != nil {
		return err
	}
	re.add(contracts.URN(messageType), messageType, &consumerHandler[M]{
		bus:          bus,
		consumerName: consumerName,
		factory:      factory,
		decode:       decode,
		filters:      filters,
	})
	bus.logger.Debug("registered consumer",
		"consumer", consumerName,
		"queue", ct.QueueName,
		"messageType", contracts.URN(messageType),
	)
	return nil
}

func adaptFilter[M any](f pipeline.Filter[MessageContext]) pipeline.Filter[*ConsumeContext[M]] {
	return pipeline.Adapt[*ConsumeContext[M], MessageContext](f, func(cc *ConsumeContext[M]) MessageContext {
		return cc
	})
}

func conditionVariables[M any](cc *ConsumeContext[M]) condition.Variables {
	vars := condition.Variables{
		MessageID:   cc.MessageID(),
		MessageType: cc.MessageType(),
		Headers:     cc.Headers(),
	}
	var message map[string]any
	if err := serialization.Unmarshal(cc.receive.Envelope.Message, &message); err == nil {
		vars.Message = message
	}
	return vars
}

func (b *Bus) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}
