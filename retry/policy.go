package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether and when a failed operation is attempted again
type Policy interface {
	// Limit returns the number of retries allowed after the first attempt
	Limit() int

	// NewBackOff returns a fresh delay schedule for one operation
	NewBackOff() backoff.BackOff

	// ShouldRetry reports whether err may be retried
	ShouldRetry(err error) bool
}

// RetryPolicy is the Policy implementation returned by the constructors in
// this package. Handle and Ignore narrow the errors it retries.
type RetryPolicy struct {
	limit    int
	schedule func() backoff.BackOff
	filters  []func(error) bool
}

// None never retries
func None() *RetryPolicy {
	return &RetryPolicy{schedule: func() backoff.BackOff { return &backoff.StopBackOff{} }}
}

// Immediate retries up to limit times without waiting
func Immediate(limit int) *RetryPolicy {
	return &RetryPolicy{
		limit:    max(limit, 0),
		schedule: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

// Interval retries up to limit times, waiting interval before each retry
func Interval(limit int, interval time.Duration) *RetryPolicy {
	return &RetryPolicy{
		limit:    max(limit, 0),
		schedule: func() backoff.BackOff { return backoff.NewConstantBackOff(interval) },
	}
}

// Intervals retries once per interval, waiting the given durations in order
func Intervals(intervals ...time.Duration) *RetryPolicy {
	schedule := append([]time.Duration(nil), intervals...)
	return &RetryPolicy{
		limit:    len(schedule),
		schedule: func() backoff.BackOff { return &intervalBackOff{intervals: schedule} },
	}
}

// Exponential retries up to limit times, starting at minInterval and
// multiplying the delay by factor up to maxInterval.
func Exponential(limit int, minInterval, maxInterval time.Duration, factor float64) *RetryPolicy {
	return &RetryPolicy{
		limit: max(limit, 0),
		schedule: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = minInterval
			b.MaxInterval = maxInterval
			b.Multiplier = factor
			b.RandomizationFactor = 0
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		},
	}
}

// Limit implements Policy
func (p *RetryPolicy) Limit() int {
	return p.limit
}

// NewBackOff implements Policy
func (p *RetryPolicy) NewBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(p.schedule(), uint64(p.limit))
}

// ShouldRetry implements Policy
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	for _, allow := range p.filters {
		if !allow(err) {
			return false
		}
	}
	return true
}

// Handle restricts retries to errors for which match returns true
func (p *RetryPolicy) Handle(match func(error) bool) *RetryPolicy {
	p.filters = append(p.filters, match)
	return p
}

// Ignore never retries errors matching any of targets (errors.Is)
func (p *RetryPolicy) Ignore(targets ...error) *RetryPolicy {
	return p.Handle(func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return false
			}
		}
		return true
	})
}

// Permanent marks err as not retryable under any policy
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type intervalBackOff struct {
	intervals []time.Duration
	next      int
}

func (b *intervalBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.intervals) {
		return backoff.Stop
	}
	d := b.intervals[b.next]
	b.next++
	return d
}

func (b *intervalBackOff) Reset() {
	b.next = 0
}
