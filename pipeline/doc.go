// Package pipeline provides the generic pipe and filter composition used on
// both the send side and the consume side of the bus.
//
// A Pipe is an operation over a context value. A Filter is one stage of a
// pipe: it receives the context and the rest of the pipe, may act before and
// after calling it, and may choose not to call it at all.
//
//	cfg := pipeline.NewConfigurator[*Order]()
//	cfg.Use(pipeline.NewLoggingFilter[*Order](logger))
//	cfg.UseFunc("audit", func(ctx context.Context, o *Order, next pipeline.Pipe[*Order]) error {
//		// before
//		err := next.Send(ctx, o)
//		// after
//		return err
//	})
//	cfg.UseResolved("tenant-guard")
//
//	pipe, err := cfg.Build(registry)
//	err = pipe.Send(ctx, order)
//
// Filters run in registration order; work a filter does after calling next
// therefore runs in reverse registration order. A pipe built without filters
// is a no-op.
package pipeline
