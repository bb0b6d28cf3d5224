// Package messaging is the dispatch runtime of the bus.
//
// A Bus owns the topology registry, the envelope serializer and the
// pipes every message flows through:
//   - Send and publish pipes carry a SendContext or PublishContext from
//     the caller to a SendTransport.
//   - Each consumer gets a pipe over *ConsumeContext[T]: error forwarding,
//     fault publication and retry wrap the custom filters and the
//     consumer invocation.
//   - Request and Request2..Request8 implement request/response over a
//     temporary reply queue.
//
// Transports live in the transports packages and plug in through
// TransportFactory.
//
// Example usage:
//
//	bus := messaging.NewBus(inmemory.NewFactory(hub), messaging.WithBusLogger(logger))
//
//	err := messaging.HandleFunc(bus, "OrderConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
//		return cc.Respond(ctx, OrderAccepted{OrderID: cc.Message().OrderID})
//	})
//
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	defer bus.Stop(context.Background())
//
//	accepted, err := messaging.Request[OrderAccepted](ctx, bus, bus.QueueAddress("order-consumer-queue"), OrderSubmitted{OrderID: "42"})
package messaging
