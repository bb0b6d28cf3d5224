// Package retry provides retry policies and the pipe filter that applies
// them to consumer invocations.
//
// A policy answers three questions: how many times a failed operation may be
// retried after the first attempt, how long to wait before each retry, and
// which errors are worth retrying at all.
//
//	policy := retry.Intervals(100*time.Millisecond, time.Second, 5*time.Second).
//		Ignore(ErrInvalidOrder)
//
//	cfg.Use(retry.NewFilter[*OrderContext](policy))
//
// Retries happen in process; the message is acknowledged to the transport
// once, whatever the number of attempts.
package retry
