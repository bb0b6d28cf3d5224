package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-transit/pipeline"
)

const tracerName = "github.com/glimte/mmate-transit/messaging"

// Tracing creates spans for sends, publishes and consumes and carries the
// trace context in message headers.
type Tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// TracingOption configures Tracing
type TracingOption func(*Tracing)

// WithTracerProvider uses provider instead of the global provider
func WithTracerProvider(provider trace.TracerProvider) TracingOption {
	return func(t *Tracing) {
		t.tracer = provider.Tracer(tracerName)
	}
}

// WithPropagator uses p instead of the global propagator
func WithPropagator(p propagation.TextMapPropagator) TracingOption {
	return func(t *Tracing) {
		t.propagator = p
	}
}

// NewTracing creates tracing backed by the global otel provider and propagator
func NewTracing(opts ...TracingOption) *Tracing {
	t := &Tracing{
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// headerCarrier adapts message headers to propagation.TextMapCarrier
type headerCarrier map[string]any

func (c headerCarrier) Get(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func tracingOutbound[C outbound](t *Tracing, operation string) pipeline.Filter[C] {
	return pipeline.NewFilter("tracing", func(ctx context.Context, c C, next pipeline.Pipe[C]) error {
		sc := c.sendContext()
		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", "mmate"),
			attribute.String("messaging.operation", operation),
			attribute.String("messaging.destination.name", sc.DestinationAddress),
			attribute.String("messaging.message.id", sc.MessageID),
		}
		if sc.ConversationID != "" {
			attrs = append(attrs, attribute.String("messaging.message.conversation_id", sc.ConversationID))
		}
		ctx, span := t.tracer.Start(ctx, operation+" "+sc.DestinationAddress,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		if sc.Headers == nil {
			sc.Headers = map[string]any{}
		}
		t.propagator.Inject(ctx, headerCarrier(sc.Headers))

		err := next.Send(ctx, c)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

func (t *Tracing) consumeFilter() pipeline.Filter[MessageContext] {
	return pipeline.NewFilter("tracing", func(ctx context.Context, mc MessageContext, next pipeline.Pipe[MessageContext]) error {
		ctx = t.propagator.Extract(ctx, headerCarrier(mc.Headers()))
		ctx, span := t.tracer.Start(ctx, "consume "+mc.Receive().QueueName,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "mmate"),
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.destination.name", mc.Receive().QueueName),
				attribute.String("messaging.message.id", mc.MessageID()),
				attribute.String("messaging.message.type", mc.MessageType()),
				attribute.String("messaging.consumer.name", mc.ConsumerName()),
			),
		)
		defer span.End()

		err := next.Send(ctx, mc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}
