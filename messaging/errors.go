package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-transit/contracts"
)

var (
	// ErrBusStarted is returned when consumers are registered on a running bus
	ErrBusStarted = errors.New("messaging: bus already started")

	// ErrNilMessage is returned when sending a nil message
	ErrNilMessage = errors.New("messaging: message cannot be nil")

	// ErrNoResponseAddress is returned by Respond when the inbound message has no response address
	ErrNoResponseAddress = errors.New("messaging: no response address")

	// ErrRequestTimeout matches *RequestTimeoutError
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrRequestFaulted matches *RequestFaultError
	ErrRequestFaulted = errors.New("messaging: request faulted")

	// ErrUnexpectedResponse is returned when a reply matches none of the expected types
	ErrUnexpectedResponse = errors.New("messaging: unexpected response type")

	// ErrSchedulingUnsupported is returned by transports that cannot delay delivery
	ErrSchedulingUnsupported = errors.New("messaging: scheduled delivery not supported by transport")

	// ErrConsumerMismatch is returned when a consumer option does not fit the message type
	ErrConsumerMismatch = errors.New("messaging: consumer option does not match message type")
)

// PublishError reports a failed send or publish
type PublishError struct {
	Op          string
	MessageType string
	Address     string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s %s to %s failed: %v", e.Op, e.MessageType, e.Address, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// RequestTimeoutError is returned when no reply arrives in time
type RequestTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.RequestID, e.Timeout)
}

// Is matches ErrRequestTimeout
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// RequestFaultError is returned when the remote consumer faulted
type RequestFaultError struct {
	RequestID  string
	FaultID    string
	Exceptions []contracts.ExceptionInfo
	Host       *contracts.HostInfo
}

func (e *RequestFaultError) Error() string {
	if len(e.Exceptions) == 0 {
		return fmt.Sprintf("request %s faulted", e.RequestID)
	}
	return fmt.Sprintf("request %s faulted: %s", e.RequestID, e.Exceptions[0].Message)
}

// Is matches ErrRequestFaulted
func (e *RequestFaultError) Is(target error) bool {
	return target == ErrRequestFaulted
}

// Unwrap exposes the remote exception chain
func (e *RequestFaultError) Unwrap() error {
	if len(e.Exceptions) == 0 {
		return nil
	}
	return &e.Exceptions[0]
}
