package messaging_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/pipeline"
	"github.com/glimte/mmate-transit/retry"
	"github.com/glimte/mmate-transit/serialization"
	"github.com/glimte/mmate-transit/transports/inmemory"
)

type OrderSubmitted struct {
	OrderID  string  `json:"orderId"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency" default:"EUR"`
}

type OrderAccepted struct {
	OrderID string `json:"orderId"`
}

type OrderRejected struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

const waitTimeout = 2 * time.Second

func reflectTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func newBus(t *testing.T, opts ...messaging.BusOption) (*messaging.Bus, *inmemory.Hub) {
	t.Helper()
	hub := inmemory.NewHub()
	opts = append([]messaging.BusOption{messaging.WithRetryPolicy(retry.None())}, opts...)
	bus := messaging.NewBus(inmemory.NewFactory(hub), opts...)
	t.Cleanup(func() {
		_ = bus.Stop(context.Background())
		_ = hub.Close()
	})
	return bus, hub
}

func startBus(t *testing.T, bus *messaging.Bus) {
	t.Helper()
	require.NoError(t, bus.Start(context.Background()))
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func receiveEnvelope(t *testing.T, hub *inmemory.Hub, queue string) (*inmemory.Message, *contracts.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	m, err := hub.Receive(ctx, queue)
	require.NoError(t, err, "waiting on %s", queue)
	env, err := serialization.NewEnvelopeSerializer().Deserialize(m.Body)
	require.NoError(t, err)
	return m, env
}

type received struct {
	message        OrderSubmitted
	messageID      string
	correlationID  string
	conversationID string
	initiatorID    string
	source         string
	destination    string
	headers        map[string]any
}

func collect(ch chan<- received) func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
	return func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
		ch <- received{
			message:        cc.Message(),
			messageID:      cc.MessageID(),
			correlationID:  cc.CorrelationID(),
			conversationID: cc.ConversationID(),
			initiatorID:    cc.InitiatorID(),
			source:         cc.SourceAddress(),
			destination:    cc.DestinationAddress(),
			headers:        cc.Headers(),
		}
		return nil
	}
}

func TestBusPublishAndSend(t *testing.T) {
	t.Run("Published message reaches the consumer with its metadata", func(t *testing.T) {
		bus, _ := newBus(t)
		got := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got), messaging.WithQueue("orders")))
		startBus(t, bus)

		err := bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-1", Total: 10},
			messaging.WithCorrelationID("corr-1"),
			messaging.WithHeader("tenant", "acme"),
		)
		require.NoError(t, err)

		r := wait(t, got)
		assert.Equal(t, "o-1", r.message.OrderID)
		assert.Equal(t, "corr-1", r.correlationID)
		assert.NotEmpty(t, r.messageID)
		assert.NotEmpty(t, r.conversationID)
		assert.Equal(t, bus.Address(), r.source)
		assert.Equal(t, bus.PublishAddress(reflectTypeOf[OrderSubmitted]()), r.destination)
		assert.Equal(t, "acme", r.headers["tenant"])
	})

	t.Run("Published message fans out to every bound queue", func(t *testing.T) {
		bus, _ := newBus(t)
		billing := make(chan received, 1)
		shipping := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "BillingConsumer", collect(billing)))
		require.NoError(t, messaging.HandleFunc(bus, "ShippingConsumer", collect(shipping)))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-2"}))

		assert.Equal(t, "o-2", wait(t, billing).message.OrderID)
		assert.Equal(t, "o-2", wait(t, shipping).message.OrderID)
	})

	t.Run("Send delivers to one queue only", func(t *testing.T) {
		bus, hub := newBus(t)
		got := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got), messaging.WithQueue("orders")))
		require.NoError(t, messaging.HandleFunc(bus, "AuditConsumer", collect(make(chan received, 1)), messaging.WithQueue("audit")))
		startBus(t, bus)

		require.NoError(t, bus.Send(context.Background(), bus.QueueAddress("orders"), OrderSubmitted{OrderID: "o-3"}))

		r := wait(t, got)
		assert.Equal(t, bus.QueueAddress("orders"), r.destination)
		assert.Equal(t, 0, hub.QueueLength("audit"))
	})

	t.Run("Nil message is rejected", func(t *testing.T) {
		bus, _ := newBus(t)
		assert.ErrorIs(t, bus.Publish(context.Background(), nil), messaging.ErrNilMessage)
		assert.ErrorIs(t, bus.Send(context.Background(), bus.QueueAddress("orders"), nil), messaging.ErrNilMessage)
	})

	t.Run("Consumers cannot be registered on a running bus", func(t *testing.T) {
		bus, _ := newBus(t)
		startBus(t, bus)
		err := messaging.HandleFunc(bus, "LateConsumer", collect(make(chan received)))
		assert.ErrorIs(t, err, messaging.ErrBusStarted)
	})

	t.Run("Delayed message is delivered after the delay", func(t *testing.T) {
		bus, _ := newBus(t)
		got := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got)))
		startBus(t, bus)

		start := time.Now()
		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-4"}, messaging.WithDelay(100*time.Millisecond)))

		wait(t, got)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("PublishValues builds the message from a map", func(t *testing.T) {
		bus, _ := newBus(t)
		got := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got)))
		startBus(t, bus)

		err := messaging.PublishValues[OrderSubmitted](context.Background(), bus, map[string]any{"orderId": "o-5", "total": 42.0})
		require.NoError(t, err)

		r := wait(t, got)
		assert.Equal(t, OrderSubmitted{OrderID: "o-5", Total: 42, Currency: "EUR"}, r.message)
	})
}

func TestConsumeContext(t *testing.T) {
	t.Run("Publishing from a consumer continues the conversation", func(t *testing.T) {
		bus, _ := newBus(t)
		inbound := make(chan received, 1)
		accepted := make(chan *messaging.ConsumeContext[OrderAccepted], 1)

		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			inbound <- received{messageID: cc.MessageID(), conversationID: cc.ConversationID(), source: cc.Receive().InputAddress}
			return cc.Publish(ctx, OrderAccepted{OrderID: cc.Message().OrderID})
		}))
		require.NoError(t, messaging.HandleFunc(bus, "AcceptedConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderAccepted]) error {
			accepted <- cc
			return nil
		}))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-6"}, messaging.WithConversationID("conv-6")))

		in := wait(t, inbound)
		out := wait(t, accepted)
		assert.Equal(t, "conv-6", in.conversationID)
		assert.Equal(t, "conv-6", out.ConversationID())
		assert.Equal(t, in.messageID, out.InitiatorID())
		assert.Equal(t, in.source, out.SourceAddress())
		assert.Equal(t, "o-6", out.Message().OrderID)
	})

	t.Run("Respond without a response address fails", func(t *testing.T) {
		bus, _ := newBus(t)
		errs := make(chan error, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			errs <- cc.Respond(ctx, OrderAccepted{})
			return nil
		}))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-7"}))
		assert.ErrorIs(t, wait(t, errs), messaging.ErrNoResponseAddress)
	})
}

func TestConsumerFailures(t *testing.T) {
	t.Run("Retry succeeds without moving the message", func(t *testing.T) {
		bus, hub := newBus(t)
		var attempts atomic.Int32
		done := make(chan struct{}, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			done <- struct{}{}
			return nil
		}, messaging.WithQueue("orders"), messaging.WithConsumerRetry(retry.Immediate(3))))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-8"}))
		wait(t, done)
		require.NoError(t, bus.Stop(context.Background()))

		assert.Equal(t, int32(3), attempts.Load())
		assert.Equal(t, 0, hub.QueueLength("orders_error"))
		assert.Equal(t, 0, hub.QueueLength("orders_fault"))
	})

	t.Run("Exhausted retries move the message and publish a fault", func(t *testing.T) {
		bus, hub := newBus(t)
		var attempts atomic.Int32
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			attempts.Add(1)
			return errors.New("boom")
		}, messaging.WithQueue("orders"), messaging.WithConsumerRetry(retry.Immediate(2))))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-9"}, messaging.WithCorrelationID("corr-9")))

		moved, original := receiveEnvelope(t, hub, "orders_error")
		assert.Equal(t, []string{contracts.URNOf[OrderSubmitted]()}, original.MessageType)
		assert.Equal(t, "boom", moved.Headers[contracts.HeaderFaultMessage])
		assert.Equal(t, "2", moved.Headers[contracts.HeaderFaultRetryCount])
		assert.Equal(t, "OrderConsumer", moved.Headers[contracts.HeaderFaultConsumerType])
		assert.Equal(t, bus.QueueAddress("orders"), moved.Headers[contracts.HeaderFaultInputAddress])
		assert.Contains(t, moved.Headers, contracts.HeaderHostProcess)

		_, faultEnv := receiveEnvelope(t, hub, "orders_fault")
		assert.Equal(t, contracts.FaultURN(contracts.URNOf[OrderSubmitted]()), faultEnv.MessageType[0])
		assert.Equal(t, "corr-9", faultEnv.CorrelationID)
		fault, err := serialization.DecodeMessage[contracts.Fault[OrderSubmitted]](faultEnv)
		require.NoError(t, err)
		assert.Equal(t, original.MessageID, fault.MessageID)
		require.Len(t, fault.Exceptions, 1)
		assert.Equal(t, "boom", fault.Exceptions[0].Message)
		require.NotNil(t, fault.Message)
		assert.Equal(t, "o-9", fault.Message.OrderID)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("Fault goes to the fault address of the message", func(t *testing.T) {
		bus, hub := newBus(t)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			return errors.New("boom")
		}, messaging.WithQueue("orders")))
		startBus(t, bus)

		err := bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-10"}, messaging.WithFaultAddress(bus.QueueAddress("faults")))
		require.NoError(t, err)

		_, faultEnv := receiveEnvelope(t, hub, "faults")
		assert.True(t, contracts.IsFaultURN(faultEnv.MessageType[0]))
		assert.Equal(t, 0, hub.QueueLength("orders_fault"))
	})

	t.Run("Panic is reported as a fault", func(t *testing.T) {
		bus, hub := newBus(t)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			panic("nil order")
		}, messaging.WithQueue("orders")))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-11"}))

		_, faultEnv := receiveEnvelope(t, hub, "orders_fault")
		fault, err := serialization.DecodeMessage[contracts.Fault[OrderSubmitted]](faultEnv)
		require.NoError(t, err)
		require.NotEmpty(t, fault.Exceptions)
		assert.Equal(t, "*pipeline.PanicError", fault.Exceptions[0].ExceptionType)
		assert.Equal(t, "panic: nil order", fault.Exceptions[0].Message)
		assert.NotEmpty(t, fault.Exceptions[0].StackTrace)
	})

	t.Run("Consumer scope is released after every attempt", func(t *testing.T) {
		bus, _ := newBus(t)
		var resolved, released atomic.Int32
		done := make(chan struct{}, 3)
		factory := messaging.Scoped(func(ctx context.Context) (messaging.Consumer[OrderSubmitted], func(), error) {
			resolved.Add(1)
			return messaging.ConsumerFunc[OrderSubmitted](func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
				done <- struct{}{}
				return errors.New("always")
			}), func() { released.Add(1) }, nil
		})
		require.NoError(t, messaging.Handle(bus, "OrderConsumer", factory, messaging.WithConsumerRetry(retry.Immediate(2))))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-12"}))
		for range 3 {
			wait(t, done)
		}
		require.NoError(t, bus.Stop(context.Background()))

		assert.Equal(t, int32(3), resolved.Load())
		assert.Equal(t, int32(3), released.Load())
	})
}

func TestDeliveryHandling(t *testing.T) {
	t.Run("Unknown message type is acknowledged and skipped", func(t *testing.T) {
		metrics, reg := newMetrics(t, "skip")
		bus, hub := newBus(t, messaging.WithMetrics(metrics))
		got := make(chan received, 2)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got), messaging.WithQueue("orders"), messaging.WithPrefetch(1)))
		startBus(t, bus)

		require.NoError(t, bus.Send(context.Background(), bus.QueueAddress("orders"), OrderRejected{OrderID: "x"}))
		require.NoError(t, bus.Send(context.Background(), bus.QueueAddress("orders"), OrderSubmitted{OrderID: "o-13"}))

		assert.Equal(t, "o-13", wait(t, got).message.OrderID)
		assert.Eventually(t, func() bool {
			return counterValue(t, reg, "skip_bus_messages_skipped_total", "reason", "unknown_type") == 1
		}, waitTimeout, 10*time.Millisecond)
		assert.Equal(t, 0, hub.QueueLength("orders_error"))
		assert.Equal(t, 0, hub.QueueLength("orders_fault"))
	})

	t.Run("Unreadable envelope is returned to the transport", func(t *testing.T) {
		bus, hub := newBus(t)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(make(chan received, 1)), messaging.WithQueue("orders")))
		startBus(t, bus)

		require.NoError(t, hub.Enqueue("orders", &inmemory.Message{Body: []byte("not an envelope"), Headers: map[string]any{}}))

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		m, err := hub.Receive(ctx, "orders_error")
		require.NoError(t, err)
		assert.Equal(t, "not an envelope", string(m.Body))
		assert.Equal(t, "dead-letter", m.Headers[contracts.HeaderReason])
	})

	t.Run("Payload one consumer cannot decode still reaches the others", func(t *testing.T) {
		bus, hub := newBus(t)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(make(chan received, 1)), messaging.WithQueue("orders")))
		batches := make(chan []OrderSubmitted, 1)
		require.NoError(t, messaging.HandleBatch(bus, "OrderBatchConsumer", messaging.Singleton[[]OrderSubmitted](
			messaging.ConsumerFunc[[]OrderSubmitted](func(ctx context.Context, cc *messaging.ConsumeContext[[]OrderSubmitted]) error {
				batches <- cc.Message()
				return nil
			})), messaging.WithQueue("orders")))
		startBus(t, bus)

		require.NoError(t, messaging.SendBatch(context.Background(), bus, bus.QueueAddress("orders"),
			[]OrderSubmitted{{OrderID: "b-1"}, {OrderID: "b-2"}}))

		assert.Len(t, wait(t, batches), 2)
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		m, err := hub.Receive(ctx, "orders_error")
		require.NoError(t, err)
		assert.Equal(t, "dead-letter", m.Headers[contracts.HeaderReason])
	})

	t.Run("Expired message is skipped", func(t *testing.T) {
		metrics, reg := newMetrics(t, "expiry")
		bus, hub := newBus(t, messaging.WithMetrics(metrics))
		got := make(chan received, 2)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got), messaging.WithQueue("orders"), messaging.WithPrefetch(1)))
		startBus(t, bus)

		expired := time.Now().Add(-time.Minute)
		payload, err := serialization.Marshal(OrderSubmitted{OrderID: "stale"})
		require.NoError(t, err)
		body, err := serialization.NewEnvelopeSerializer().Serialize(&contracts.Envelope{
			MessageID:      "m-expired",
			ExpirationTime: &expired,
			MessageType:    []string{contracts.URNOf[OrderSubmitted]()},
			Message:        payload,
		})
		require.NoError(t, err)
		require.NoError(t, hub.Enqueue("orders", &inmemory.Message{Body: body, Headers: map[string]any{}}))
		require.NoError(t, bus.Send(context.Background(), bus.QueueAddress("orders"), OrderSubmitted{OrderID: "fresh"}))

		assert.Equal(t, "fresh", wait(t, got).message.OrderID)
		assert.Eventually(t, func() bool {
			return counterValue(t, reg, "expiry_bus_messages_skipped_total", "reason", "expired") == 1
		}, waitTimeout, 10*time.Millisecond)
		assert.Equal(t, 0, hub.QueueLength("orders_error"))
		assert.Equal(t, 0, hub.QueueLength("orders_fault"))
	})
}

func TestConsumerPipe(t *testing.T) {
	t.Run("Filters run in registration order before the consumer", func(t *testing.T) {
		bus, _ := newBus(t)
		var mu sync.Mutex
		var calls []string
		record := func(name string) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
		}
		bus.Filters().Register("audit", func() pipeline.Filter[messaging.MessageContext] {
			return pipeline.NewFilter("audit", func(ctx context.Context, mc messaging.MessageContext, next pipeline.Pipe[messaging.MessageContext]) error {
				record("audit:" + mc.ConsumerName())
				return next.Send(ctx, mc)
			})
		})
		done := make(chan struct{}, 1)
		typed := pipeline.NewFilter("typed", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted], next pipeline.Pipe[*messaging.ConsumeContext[OrderSubmitted]]) error {
			record("typed:" + cc.Message().OrderID)
			return next.Send(ctx, cc)
		})
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			record("consumer")
			done <- struct{}{}
			return nil
		}, messaging.UseFilter(typed), messaging.WithNamedFilters("audit")))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "o-14"}))
		wait(t, done)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"typed:o-14", "audit:OrderConsumer", "consumer"}, calls)
	})

	t.Run("Unknown named filter fails the start", func(t *testing.T) {
		bus, _ := newBus(t)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(make(chan received)), messaging.WithNamedFilters("missing")))
		err := bus.Start(context.Background())
		assert.ErrorIs(t, err, pipeline.ErrFilterNotFound)
	})

	t.Run("Condition skips messages that do not match", func(t *testing.T) {
		bus, _ := newBus(t)
		got := make(chan received, 2)
		require.NoError(t, messaging.HandleFunc(bus, "LargeOrderConsumer", collect(got),
			messaging.WithCondition(`message.total > 100.0`), messaging.WithPrefetch(1)))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "small", Total: 5}))
		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "large", Total: 500}))

		assert.Equal(t, "large", wait(t, got).message.OrderID)
		select {
		case r := <-got:
			t.Fatalf("unexpected message %s", r.message.OrderID)
		default:
		}
	})

	t.Run("Invalid condition fails the registration", func(t *testing.T) {
		bus, _ := newBus(t)
		err := messaging.HandleFunc(bus, "OrderConsumer", collect(make(chan received)), messaging.WithCondition(`message.total >`))
		assert.Error(t, err)
	})

	t.Run("Filter for another message type is rejected", func(t *testing.T) {
		bus, _ := newBus(t)
		wrong := pipeline.NewFilter("wrong", func(ctx context.Context, cc *messaging.ConsumeContext[OrderAccepted], next pipeline.Pipe[*messaging.ConsumeContext[OrderAccepted]]) error {
			return next.Send(ctx, cc)
		})
		err := messaging.HandleFunc(bus, "OrderConsumer", collect(make(chan received)), messaging.UseFilter(wrong))
		assert.ErrorIs(t, err, messaging.ErrConsumerMismatch)
	})
}

func TestBatches(t *testing.T) {
	t.Run("Batch consumer receives the whole batch", func(t *testing.T) {
		bus, _ := newBus(t)
		got := make(chan []OrderSubmitted, 1)
		require.NoError(t, messaging.HandleBatch(bus, "OrderBatchConsumer", messaging.Singleton[[]OrderSubmitted](
			messaging.ConsumerFunc[[]OrderSubmitted](func(ctx context.Context, cc *messaging.ConsumeContext[[]OrderSubmitted]) error {
				assert.Equal(t, contracts.URNOf[OrderSubmitted](), cc.MessageType())
				got <- cc.Message()
				return nil
			}))))
		startBus(t, bus)

		batch := messaging.NewBatch[OrderSubmitted](bus)
		batch.Add(OrderSubmitted{OrderID: "b-1"}, OrderSubmitted{OrderID: "b-2"})
		assert.Equal(t, 2, batch.Len())
		require.NoError(t, batch.Publish(context.Background()))
		assert.Equal(t, 0, batch.Len())

		orders := wait(t, got)
		require.Len(t, orders, 2)
		assert.Equal(t, "b-2", orders[1].OrderID)
	})

	t.Run("Empty batch is rejected", func(t *testing.T) {
		bus, _ := newBus(t)
		assert.Error(t, messaging.PublishBatch[OrderSubmitted](context.Background(), bus, nil))
	})
}

func TestBusMetrics(t *testing.T) {
	t.Run("Consumed and sent messages are counted", func(t *testing.T) {
		metrics := messaging.NewMetrics("test")
		reg := prometheus.NewRegistry()
		require.NoError(t, metrics.Register(reg))

		bus, _ := newBus(t, messaging.WithMetrics(metrics))
		got := make(chan received, 1)
		require.NoError(t, messaging.HandleFunc(bus, "OrderConsumer", collect(got)))
		startBus(t, bus)

		require.NoError(t, bus.Publish(context.Background(), OrderSubmitted{OrderID: "m-1"}))
		wait(t, got)
		require.NoError(t, bus.Stop(context.Background()))

		sent, err := testutil.GatherAndCount(reg, "test_bus_messages_sent_total")
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
		consumed, err := testutil.GatherAndCount(reg, "test_bus_messages_consumed_total")
		require.NoError(t, err)
		assert.Equal(t, 1, consumed)
	})

	t.Run("Second metrics on one registry record into the registered collectors", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		require.NoError(t, messaging.NewMetrics("shared").Register(reg))
		metrics := messaging.NewMetrics("shared")
		require.NoError(t, metrics.Register(reg))

		bus, _ := newBus(t, messaging.WithMetrics(metrics))
		require.NoError(t, bus.Send(context.Background(), bus.QueueAddress("orders"), OrderSubmitted{OrderID: "m-2"}))

		sent, err := testutil.GatherAndCount(reg, "shared_bus_messages_sent_total")
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
	})

	t.Run("Registering a clashing collector type fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		require.NoError(t, reg.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clash", Subsystem: "bus", Name: "messages_consumed_total", Help: "Messages that completed a consumer pipe, by outcome.",
		})))
		assert.Error(t, messaging.NewMetrics("clash").Register(reg))
	})
}

func newMetrics(t *testing.T, namespace string) (*messaging.Metrics, *prometheus.Registry) {
	t.Helper()
	metrics := messaging.NewMetrics(namespace)
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	return metrics, reg
}

// counterValue sums the counter samples of name carrying label=value
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Errorf("gather metrics: %v", err)
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
