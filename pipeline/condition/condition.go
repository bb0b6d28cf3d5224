// Package condition provides a pipe filter that only continues when a CEL
// expression evaluates to true.
//
// Expressions see four variables:
//
//	messageId    string
//	messageType  string
//	headers      map(string, dyn)
//	message      map(string, dyn)
//
// For example `message.total > 100.0 && headers.tenant == "acme"`.
package condition

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/glimte/mmate-transit/pipeline"
)

// Variables are the values an expression is evaluated against
type Variables struct {
	MessageID   string
	MessageType string
	Headers     map[string]any
	Message     map[string]any
}

func (v Variables) activation() map[string]any {
	headers := v.Headers
	if headers == nil {
		headers = map[string]any{}
	}
	message := v.Message
	if message == nil {
		message = map[string]any{}
	}
	return map[string]any{
		"messageId":   v.MessageID,
		"messageType": v.MessageType,
		"headers":     headers,
		"message":     message,
	}
}

// Compile checks that expression is a valid boolean expression and returns
// its executable program.
func Compile(expression string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("messageId", cel.StringType),
		cel.Variable("messageType", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("message", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("condition must return bool, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// Filter continues the pipe only when its expression holds
type Filter[C any] struct {
	expression string
	program    cel.Program
	vars       func(C) Variables
	onSkip     func(ctx context.Context, c C)
}

// Option configures a Filter
type Option[C any] func(*Filter[C])

// WithSkipHandler registers a callback invoked whenever the expression is false
func WithSkipHandler[C any](fn func(ctx context.Context, c C)) Option[C] {
	return func(f *Filter[C]) {
		f.onSkip = fn
	}
}

// New compiles expression into a filter. vars extracts the evaluation
// variables from the pipe context.
func New[C any](expression string, vars func(C) Variables, opts ...Option[C]) (*Filter[C], error) {
	program, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	f := &Filter[C]{expression: expression, program: program, vars: vars}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Matches evaluates the expression against c
func (f *Filter[C]) Matches(ctx context.Context, c C) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, f.vars(c).activation())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return ok, nil
}

// Send implements pipeline.Filter
func (f *Filter[C]) Send(ctx context.Context, c C, next pipeline.Pipe[C]) error {
	ok, err := f.Matches(ctx, c)
	if err != nil {
		return err
	}
	if !ok {
		if f.onSkip != nil {
			f.onSkip(ctx, c)
		}
		return nil
	}
	return next.Send(ctx, c)
}

// Name implements pipeline.Filter
func (f *Filter[C]) Name() string {
	return "condition(" + f.expression + ")"
}

// Expression returns the source expression
func (f *Filter[C]) Expression() string {
	return f.expression
}
