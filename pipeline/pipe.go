package pipeline

import "context"

// Pipe processes a context value
type Pipe[C any] interface {
	Send(ctx context.Context, c C) error
}

// PipeFunc is a function adapter for Pipe
type PipeFunc[C any] func(ctx context.Context, c C) error

// Send implements Pipe
func (f PipeFunc[C]) Send(ctx context.Context, c C) error {
	return f(ctx, c)
}

// Empty returns a pipe that does nothing.
func Empty[C any]() Pipe[C] {
	return PipeFunc[C](func(context.Context, C) error { return nil })
}

// Filter is a single stage of a pipe
type Filter[C any] interface {
	// Send processes c and decides whether and when to invoke next. A
	// filter must return the error of next unless it deliberately recovers.
	Send(ctx context.Context, c C, next Pipe[C]) error

	// Name identifies the filter in logs and diagnostics
	Name() string
}

// FilterFunc is a named function adapter for Filter
type FilterFunc[C any] struct {
	name string
	fn   func(ctx context.Context, c C, next Pipe[C]) error
}

// NewFilter creates a function-based filter
func NewFilter[C any](name string, fn func(ctx context.Context, c C, next Pipe[C]) error) *FilterFunc[C] {
	return &FilterFunc[C]{name: name, fn: fn}
}

// Send implements Filter
func (f *FilterFunc[C]) Send(ctx context.Context, c C, next Pipe[C]) error {
	return f.fn(ctx, c, next)
}

// Name implements Filter
func (f *FilterFunc[C]) Name() string {
	return f.name
}

// Connect wraps next with filter, producing the pipe that runs filter first.
func Connect[C any](filter Filter[C], next Pipe[C]) Pipe[C] {
	return PipeFunc[C](func(ctx context.Context, c C) error {
		return filter.Send(ctx, c, next)
	})
}

// Compose builds a pipe from filters in the order given, ending in last.
// A nil last pipe ends in Empty.
func Compose[C any](last Pipe[C], filters ...Filter[C]) Pipe[C] {
	if last == nil {
		last = Empty[C]()
	}
	p := last
	for i := len(filters) - 1; i >= 0; i-- {
		p = Connect(filters[i], p)
	}
	return p
}
