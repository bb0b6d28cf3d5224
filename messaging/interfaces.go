package messaging

import (
	"context"
)

// Publisher publishes messages to every consumer bound to their type
type Publisher interface {
	Publish(ctx context.Context, msg any, opts ...SendOption) error
}

// Sender sends messages to one address
type Sender interface {
	Send(ctx context.Context, address string, msg any, opts ...SendOption) error
}

// Responder replies to the message being consumed
type Responder interface {
	Respond(ctx context.Context, msg any, opts ...SendOption) error
}

// Consumer processes messages of type T
type Consumer[T any] interface {
	Consume(ctx context.Context, cc *ConsumeContext[T]) error
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc[T any] func(ctx context.Context, cc *ConsumeContext[T]) error

// Consume implements Consumer
func (f ConsumerFunc[T]) Consume(ctx context.Context, cc *ConsumeContext[T]) error {
	return f(ctx, cc)
}

// ConsumerFactory supplies a consumer for each attempt. The returned
// release function is called once the attempt settles, whatever its outcome.
type ConsumerFactory[T any] interface {
	Resolve(ctx context.Context) (Consumer[T], func(), error)
}

// ConsumerFactoryFunc is a function adapter for ConsumerFactory
type ConsumerFactoryFunc[T any] func(ctx context.Context) (Consumer[T], func(), error)

// Resolve implements ConsumerFactory
func (f ConsumerFactoryFunc[T]) Resolve(ctx context.Context) (Consumer[T], func(), error) {
	return f(ctx)
}

// Singleton shares one consumer instance across every message
func Singleton[T any](c Consumer[T]) ConsumerFactory[T] {
	return ConsumerFactoryFunc[T](func(context.Context) (Consumer[T], func(), error) {
		return c, func() {}, nil
	})
}

// PerMessage creates a new consumer for every attempt
func PerMessage[T any](create func() Consumer[T]) ConsumerFactory[T] {
	return ConsumerFactoryFunc[T](func(context.Context) (Consumer[T], func(), error) {
		return create(), func() {}, nil
	})
}

// Scoped creates a consumer per attempt with an explicit release, for
// consumers that hold per-message resources.
func Scoped[T any](create func(ctx context.Context) (Consumer[T], func(), error)) ConsumerFactory[T] {
	return ConsumerFactoryFunc[T](create)
}
