package messaging

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/glimte/mmate-transit/contracts"
)

// PublishBatch publishes messages as one envelope listing T's message
// types. Consumers registered with HandleBatch receive the whole slice.
func PublishBatch[T any](ctx context.Context, bus *Bus, messages []T, opts ...SendOption) error {
	if len(messages) == 0 {
		return errors.New("messaging: batch is empty")
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return bus.publish(ctx, t, messages, bus.address, opts)
}

// SendBatch sends messages to address as one envelope
func SendBatch[T any](ctx context.Context, bus *Bus, address string, messages []T, opts ...SendOption) error {
	if len(messages) == 0 {
		return errors.New("messaging: batch is empty")
	}
	opts = append(opts, WithMessageTypes(contracts.MessageTypes(reflect.TypeOf((*T)(nil)).Elem())...))
	return bus.send(ctx, address, messages, bus.address, opts)
}

// Batch accumulates messages of T and publishes them together
type Batch[T any] struct {
	bus      *Bus
	mu       sync.Mutex
	messages []T
}

// NewBatch creates an empty batch
func NewBatch[T any](bus *Bus) *Batch[T] {
	return &Batch[T]{bus: bus}
}

// Add appends messages to the batch
func (b *Batch[T]) Add(messages ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, messages...)
}

// Len returns the number of pending messages
func (b *Batch[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Publish publishes the pending messages and empties the batch. On error
// the messages stay pending.
func (b *Batch[T]) Publish(ctx context.Context, opts ...SendOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := PublishBatch(ctx, b.bus, b.messages, opts...); err != nil {
		return err
	}
	b.messages = nil
	return nil
}
