package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-transit/serialization"
)

// SchedulePublish publishes msg for delivery at at. Times in the past
// deliver immediately.
func (b *Bus) SchedulePublish(ctx context.Context, at time.Time, msg any, opts ...SendOption) error {
	return b.Publish(ctx, msg, append(opts, scheduleAt(at))...)
}

// ScheduleSend sends msg to address for delivery at at
func (b *Bus) ScheduleSend(ctx context.Context, address string, at time.Time, msg any, opts ...SendOption) error {
	return b.Send(ctx, address, msg, append(opts, scheduleAt(at))...)
}

func scheduleAt(at time.Time) SendOption {
	if !at.After(time.Now()) {
		return func(sc *SendContext) { sc.ScheduledTime = nil }
	}
	return WithScheduledTime(at)
}

// PublishValues builds a T from values by matching field names and
// publishes it. Fields missing from values take their `default` tag.
func PublishValues[T any](ctx context.Context, bus *Bus, values any, opts ...SendOption) error {
	msg, err := serialization.Adapt[T](values)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, msg, opts...)
}
