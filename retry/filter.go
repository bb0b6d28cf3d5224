package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glimte/mmate-transit/pipeline"
)

type attemptKey struct{}

// WithAttempt records the zero-based retry attempt in ctx
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt returns the zero-based retry attempt recorded in ctx; the first
// attempt is 0.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 0
}

// Observer is told about every failed attempt that will be retried
type Observer func(ctx context.Context, attempt int, delay time.Duration, err error)

// Filter re-invokes the rest of the pipe according to a Policy
type Filter[C any] struct {
	policy   Policy
	logger   *slog.Logger
	observer Observer
}

// FilterOption configures a Filter
type FilterOption func(*filterOptions)

type filterOptions struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger used for retry attempts
func WithLogger(logger *slog.Logger) FilterOption {
	return func(o *filterOptions) {
		o.logger = logger
	}
}

// WithObserver registers a callback for retried failures
func WithObserver(observer Observer) FilterOption {
	return func(o *filterOptions) {
		o.observer = observer
	}
}

// NewFilter creates a retry filter. A nil policy never retries.
func NewFilter[C any](policy Policy, opts ...FilterOption) *Filter[C] {
	o := filterOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if policy == nil {
		policy = None()
	}
	return &Filter[C]{policy: policy, logger: o.logger, observer: o.observer}
}

// Send implements pipeline.Filter. The cancellation signal is checked before
// every attempt; once the policy is exhausted the last error is returned
// unchanged.
func (f *Filter[C]) Send(ctx context.Context, c C, next pipeline.Pipe[C]) error {
	schedule := f.policy.NewBackOff()
	limit := f.policy.Limit()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled before attempt %d: %w", attempt+1, err)
		}

		err := next.Send(WithAttempt(ctx, attempt), c)
		if err == nil {
			return nil
		}
		if attempt >= limit || !f.policy.ShouldRetry(err) {
			return unwrapPermanent(err)
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return unwrapPermanent(err)
		}

		f.logger.DebugContext(ctx, "retrying after failure",
			"attempt", attempt+1,
			"limit", limit,
			"delay", delay,
			"error", err,
		)
		if f.observer != nil {
			f.observer(ctx, attempt, delay, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry canceled before attempt %d: %w", attempt+2, ctx.Err())
			}
		}
	}
}

// Name implements pipeline.Filter
func (f *Filter[C]) Name() string {
	return "retry"
}

// Do runs fn under policy.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error, opts ...FilterOption) error {
	f := NewFilter[struct{}](policy, opts...)
	return f.Send(ctx, struct{}{}, pipeline.PipeFunc[struct{}](func(ctx context.Context, _ struct{}) error {
		return fn(ctx)
	}))
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) && permanent.Err != nil {
		return permanent.Err
	}
	return err
}
