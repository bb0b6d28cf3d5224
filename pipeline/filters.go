package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned by TimeoutFilter when the rest of the pipe does not finish in time
	ErrTimeout = errors.New("pipeline: timeout")

	// ErrCircuitOpen is returned by CircuitBreakerFilter while the breaker rejects calls
	ErrCircuitOpen = errors.New("pipeline: circuit breaker open")
)

// LogAttributer is implemented by contexts that describe themselves in logs
type LogAttributer interface {
	LogAttrs() []any
}

func logAttrs[C any](c C) []any {
	if la, ok := any(c).(LogAttributer); ok {
		return la.LogAttrs()
	}
	return nil
}

// Adapt exposes a filter written for context D as a filter for context C.
// The rest of the C pipe continues with the original value.
func Adapt[C, D any](filter Filter[D], convert func(C) D) Filter[C] {
	return NewFilter(filter.Name(), func(ctx context.Context, c C, next Pipe[C]) error {
		return filter.Send(ctx, convert(c), PipeFunc[D](func(ctx context.Context, _ D) error {
			return next.Send(ctx, c)
		}))
	})
}

// LoggingFilter logs the outcome and duration of the rest of the pipe
type LoggingFilter[C any] struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingFilter creates a logging filter that logs successes at debug level
func NewLoggingFilter[C any](logger *slog.Logger) *LoggingFilter[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingFilter[C]{logger: logger, level: slog.LevelDebug}
}

// WithLevel sets the level used for successful outcomes
func (f *LoggingFilter[C]) WithLevel(level slog.Level) *LoggingFilter[C] {
	f.level = level
	return f
}

// Send implements Filter
func (f *LoggingFilter[C]) Send(ctx context.Context, c C, next Pipe[C]) error {
	start := time.Now()
	err := next.Send(ctx, c)
	attrs := append(logAttrs(c), "duration", time.Since(start))
	if err != nil {
		f.logger.ErrorContext(ctx, "pipe failed", append(attrs, "error", err)...)
		return err
	}
	f.logger.Log(ctx, f.level, "pipe completed", attrs...)
	return nil
}

// Name implements Filter
func (f *LoggingFilter[C]) Name() string {
	return "logging"
}

// TimeoutFilter bounds the time the rest of the pipe may take
type TimeoutFilter[C any] struct {
	timeout time.Duration
}

// NewTimeoutFilter creates a timeout filter
func NewTimeoutFilter[C any](timeout time.Duration) *TimeoutFilter[C] {
	return &TimeoutFilter[C]{timeout: timeout}
}

// Send implements Filter. The rest of the pipe receives a context carrying
// the deadline; if it does not return in time the filter fails with
// ErrTimeout without waiting for it.
func (f *TimeoutFilter[C]) Send(ctx context.Context, c C, next Pipe[C]) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Send(timeoutCtx, c)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrTimeout, f.timeout)
	}
}

// Name implements Filter
func (f *TimeoutFilter[C]) Name() string {
	return "timeout"
}

// PanicError carries a recovered panic value
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace returns the stack captured at the panic site
func (e *PanicError) StackTrace() string {
	return string(e.Stack)
}

// Unwrap returns the panic value when it is an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RecoverFilter converts panics in the rest of the pipe into *PanicError
type RecoverFilter[C any] struct{}

// NewRecoverFilter creates a recover filter
func NewRecoverFilter[C any]() *RecoverFilter[C] {
	return &RecoverFilter[C]{}
}

// Send implements Filter
func (f *RecoverFilter[C]) Send(ctx context.Context, c C, next Pipe[C]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next.Send(ctx, c)
}

// Name implements Filter
func (f *RecoverFilter[C]) Name() string {
	return "recover"
}

// RateLimitFilter delays the rest of the pipe to respect a token bucket
type RateLimitFilter[C any] struct {
	limiter *rate.Limiter
}

// NewRateLimitFilter creates a filter admitting ratePerSecond calls with the given burst
func NewRateLimitFilter[C any](ratePerSecond float64, burst int) *RateLimitFilter[C] {
	return &RateLimitFilter[C]{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// NewRateLimitFilterWith wraps an existing limiter, which may be shared between pipes
func NewRateLimitFilterWith[C any](limiter *rate.Limiter) *RateLimitFilter[C] {
	return &RateLimitFilter[C]{limiter: limiter}
}

// Send implements Filter
func (f *RateLimitFilter[C]) Send(ctx context.Context, c C, next Pipe[C]) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return next.Send(ctx, c)
}

// Name implements Filter
func (f *RateLimitFilter[C]) Name() string {
	return "rate-limit"
}

// CircuitBreakerFilter stops calling the rest of the pipe after repeated failures
type CircuitBreakerFilter[C any] struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerFilter creates a circuit breaker filter from gobreaker settings
func NewCircuitBreakerFilter[C any](settings gobreaker.Settings) *CircuitBreakerFilter[C] {
	if settings.Name == "" {
		settings.Name = "pipeline"
	}
	return &CircuitBreakerFilter[C]{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Send implements Filter
func (f *CircuitBreakerFilter[C]) Send(ctx context.Context, c C, next Pipe[C]) error {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, next.Send(ctx, c)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, f.breaker.Name())
	}
	return err
}

// State returns the current breaker state
func (f *CircuitBreakerFilter[C]) State() gobreaker.State {
	return f.breaker.State()
}

// Name implements Filter
func (f *CircuitBreakerFilter[C]) Name() string {
	return "circuit-breaker"
}
