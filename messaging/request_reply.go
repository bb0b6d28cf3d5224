package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/internal/ids"
	"github.com/glimte/mmate-transit/serialization"
)

// RequestTimeout bounds how long a request waits for its reply. The zero
// value waits until the context ends.
type RequestTimeout time.Duration

const (
	// TimeoutNone waits for the reply until the context ends
	TimeoutNone RequestTimeout = 0

	// TimeoutDefault is used when no timeout is configured
	TimeoutDefault = RequestTimeout(30 * time.Second)
)

// TimeoutAfter returns a timeout of d. Non-positive durations mean TimeoutNone.
func TimeoutAfter(d time.Duration) RequestTimeout {
	if d <= 0 {
		return TimeoutNone
	}
	return RequestTimeout(d)
}

// HasValue reports whether the timeout is bounded
func (t RequestTimeout) HasValue() bool {
	return t > 0
}

// Duration returns the timeout as a duration
func (t RequestTimeout) Duration() time.Duration {
	return time.Duration(t)
}

func (t RequestTimeout) String() string {
	if !t.HasValue() {
		return "none"
	}
	return t.Duration().String()
}

type requestConfig struct {
	timeout     RequestTimeout
	sendOptions []SendOption
}

// RequestOption configures one request
type RequestOption func(*requestConfig)

// WithTimeout overrides the bus default request timeout
func WithTimeout(timeout RequestTimeout) RequestOption {
	return func(c *requestConfig) {
		c.timeout = timeout
	}
}

// WithRequestOptions applies send options to the request message
func WithRequestOptions(opts ...SendOption) RequestOption {
	return func(c *requestConfig) {
		c.sendOptions = append(c.sendOptions, opts...)
	}
}

// responseCandidate decodes one of the response types a request accepts
type responseCandidate struct {
	urn    string
	decode func(*contracts.Envelope) (any, error)
	strict func(*contracts.Envelope) (any, error)
}

func candidate[T any]() responseCandidate {
	return responseCandidate{
		urn: contracts.URNOf[T](),
		decode: func(env *contracts.Envelope) (any, error) {
			return serialization.DecodeMessage[T](env)
		},
		strict: func(env *contracts.Envelope) (any, error) {
			return serialization.DecodeMessageStrict[T](env)
		},
	}
}

// Request sends request to destination and waits for a reply of type T.
// An empty destination publishes the request instead.
func Request[T any](ctx context.Context, bus *Bus, destination string, request any, opts ...RequestOption) (T, error) {
	var zero T
	_, value, err := bus.request(ctx, destination, request, opts, candidate[T]())
	if err != nil {
		return zero, err
	}
	return value.(T), nil
}

// request runs one request/response exchange over a temporary reply
// queue. The queue exists before the request is sent and is removed on
// every exit path.
func (b *Bus) request(ctx context.Context, destination string, request any, opts []RequestOption, candidates ...responseCandidate) (int, any, error) {
	if request == nil {
		return -1, nil, ErrNilMessage
	}
	cfg := requestConfig{timeout: b.requestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	requestID := ids.NewMessageID()
	replies := make(chan *contracts.Envelope, 1)
	handler := func(ctx context.Context, body []byte, headers map[string]any) error {
		env, err := b.serializer.Deserialize(body)
		if err != nil {
			b.logger.WarnContext(ctx, "discarding unreadable reply", "requestId", requestID, "error", err)
			return err
		}
		if env.RequestID != "" && env.RequestID != requestID {
			b.logger.DebugContext(ctx, "discarding reply to another request", "requestId", requestID, "replyRequestId", env.RequestID)
			return nil
		}
		select {
		case replies <- env:
		default:
		}
		return nil
	}

	queue := ids.NewTemporaryName("mmate-response")
	rt, err := b.factory.CreateReceiveTransport(ctx, ReceiveSettings{
		QueueName:     queue,
		PrefetchCount: 1,
		AutoDelete:    true,
		Exclusive:     true,
	}, handler)
	if err != nil {
		return -1, nil, fmt.Errorf("create reply queue: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return -1, nil, fmt.Errorf("start reply queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			b.logger.WarnContext(ctx, "failed to remove reply queue", "queue", queue, "error", err)
		}
	}()

	replyAddress := rt.Address()
	sendOpts := append(cfg.sendOptions,
		WithRequestID(requestID),
		WithResponseAddress(replyAddress),
		WithFaultAddress(replyAddress),
	)
	if destination == "" {
		err = b.Publish(ctx, request, sendOpts...)
	} else {
		err = b.Send(ctx, destination, request, sendOpts...)
	}
	if err != nil {
		b.metrics.observeRequest("failed")
		return -1, nil, err
	}

	var timeout <-chan time.Time
	if cfg.timeout.HasValue() {
		timer := time.NewTimer(cfg.timeout.Duration())
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case env := <-replies:
		index, value, err := matchResponse(requestID, env, candidates)
		switch {
		case errors.Is(err, ErrRequestFaulted):
			b.metrics.observeRequest("faulted")
		case err != nil:
			b.metrics.observeRequest("unexpected")
		default:
			b.metrics.observeRequest("completed")
		}
		return index, value, err
	case <-timeout:
		b.metrics.observeRequest("timeout")
		return -1, nil, &RequestTimeoutError{RequestID: requestID, Timeout: cfg.timeout.Duration()}
	case <-ctx.Done():
		b.metrics.observeRequest("canceled")
		return -1, nil, ctx.Err()
	}
}

// matchResponse picks the candidate a reply decodes into: first by
// declared message type, then by strict structural decoding in candidate
// order.
func matchResponse(requestID string, env *contracts.Envelope, candidates []responseCandidate) (int, any, error) {
	for _, urn := range env.MessageType {
		if contracts.IsFaultURN(urn) {
			return -1, nil, faultError(requestID, env)
		}
	}
	for i, c := range candidates {
		if env.SupportsType(c.urn) {
			v, err := c.decode(env)
			if err != nil {
				return -1, nil, err
			}
			return i, v, nil
		}
	}
	for i, c := range candidates {
		if v, err := c.strict(env); err == nil {
			return i, v, nil
		}
	}
	return -1, nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, env.MessageType)
}

func faultError(requestID string, env *contracts.Envelope) error {
	fault, err := serialization.DecodeMessage[contracts.Fault[json.RawMessage]](env)
	if err != nil {
		return &RequestFaultError{RequestID: requestID, Exceptions: []contracts.ExceptionInfo{{
			ExceptionType: "fault",
			Message:       fmt.Sprintf("unreadable fault: %v", err),
		}}}
	}
	return &RequestFaultError{
		RequestID:  requestID,
		FaultID:    fault.FaultID,
		Exceptions: fault.Exceptions,
		Host:       fault.Host,
	}
}
