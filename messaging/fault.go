package messaging

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/internal/ids"
	"github.com/glimte/mmate-transit/pipeline"
)

// Convention suffixes of the queues failed messages are moved to
const (
	ErrorQueueSuffix = "_error"
	FaultQueueSuffix = "_fault"
)

const faultSendTimeout = 30 * time.Second

// errorFilter forwards the original delivery to the error queue once the
// rest of the pipe has failed. The failure is still reported upstream.
type errorFilter[M any] struct {
	bus *Bus
}

func (f *errorFilter[M]) Name() string { return "error" }

func (f *errorFilter[M]) Send(ctx context.Context, cc *ConsumeContext[M], next pipeline.Pipe[*ConsumeContext[M]]) error {
	err := next.Send(ctx, cc)
	if err == nil || canceled(ctx, err) {
		return err
	}

	rc := cc.receive
	address := f.bus.factory.SendAddress(rc.QueueName + ErrorQueueSuffix)
	headers := contracts.CopyHeaders(rc.TransportHeaders)
	for k, v := range faultHeaders(cc, err) {
		headers[k] = v
	}
	for k, v := range f.bus.host.Headers() {
		headers[k] = v
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), faultSendTimeout)
	defer cancel()
	st, sendErr := f.bus.sendTransport(sendCtx, address)
	if sendErr == nil {
		sendErr = st.Send(sendCtx, &TransportMessage{
			Body:          rc.Body,
			Headers:       headers,
			ContentType:   f.bus.serializer.ContentType(),
			MessageID:     cc.MessageID(),
			CorrelationID: cc.CorrelationID(),
			Durable:       true,
		})
	}
	if sendErr != nil {
		f.bus.logger.WarnContext(ctx, "failed to move message to error queue",
			append(cc.LogAttrs(), "address", address, "error", sendErr)...)
	} else {
		f.bus.logger.DebugContext(ctx, "moved message to error queue", append(cc.LogAttrs(), "address", address)...)
	}
	return err
}

func faultHeaders[M any](cc *ConsumeContext[M], err error) map[string]any {
	info := contracts.NewExceptionInfo(err)
	retries := cc.Attempts() - 1
	if retries < 0 {
		retries = 0
	}
	return map[string]any{
		contracts.HeaderFaultExceptionType: info.ExceptionType,
		contracts.HeaderFaultMessage:       info.Message,
		contracts.HeaderFaultStackTrace:    info.StackTrace,
		contracts.HeaderFaultTimestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		contracts.HeaderFaultConsumerType:  cc.consumerName,
		contracts.HeaderFaultInputAddress:  cc.receive.InputAddress,
		contracts.HeaderFaultRetryCount:    strconv.Itoa(retries),
		contracts.HeaderReason:             "fault",
	}
}

// faultFilter publishes a Fault once retries are exhausted
type faultFilter[M any] struct {
	bus *Bus
}

func (f *faultFilter[M]) Name() string { return "fault" }

func (f *faultFilter[M]) Send(ctx context.Context, cc *ConsumeContext[M], next pipeline.Pipe[*ConsumeContext[M]]) error {
	err := next.Send(ctx, cc)
	if err == nil || canceled(ctx, err) {
		return err
	}

	env := cc.receive.Envelope
	message := cc.Message()
	host := f.bus.host
	fault := &contracts.Fault[M]{
		FaultID:           ids.NewMessageID(),
		MessageID:         env.MessageID,
		ConversationID:    env.ConversationID,
		CorrelationID:     env.CorrelationID,
		RequestID:         env.RequestID,
		Timestamp:         time.Now().UTC(),
		FaultMessageTypes: append([]string(nil), env.MessageType...),
		Host:              &host,
		Exceptions:        contracts.ExceptionsOf(err),
		Message:           &message,
	}

	address := env.FaultAddress
	if address == "" {
		address = f.bus.factory.SendAddress(cc.receive.QueueName + FaultQueueSuffix)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), faultSendTimeout)
	defer cancel()
	sendErr := f.bus.send(sendCtx, address, fault, cc.receive.InputAddress, []SendOption{
		WithMessageTypes(contracts.FaultURN(cc.MessageType())),
		WithRequestID(env.RequestID),
		WithCorrelationID(env.CorrelationID),
		WithConversationID(env.ConversationID),
		WithInitiatorID(env.MessageID),
	})
	f.bus.metrics.observeFault(cc.receive.QueueName, cc.MessageType(), sendErr)
	if sendErr != nil {
		f.bus.logger.WarnContext(ctx, "failed to send fault",
			append(cc.LogAttrs(), "address", address, "error", sendErr)...)
	}
	return err
}

// canceled reports whether err is the consume context being canceled,
// which happens on shutdown and is not a consumer failure.
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
