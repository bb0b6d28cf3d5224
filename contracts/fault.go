package contracts

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Fault is published when a consumer fails to process a message after
// every retry attempt.
type Fault[T any] struct {
	FaultID           string          `json:"faultId"`
	MessageID         string          `json:"messageId,omitempty"`
	ConversationID    string          `json:"conversationId,omitempty"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	RequestID         string          `json:"requestId,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	FaultMessageTypes []string        `json:"faultMessageTypes,omitempty"`
	Host              *HostInfo       `json:"host,omitempty"`
	Exceptions        []ExceptionInfo `json:"exceptions"`
	Message           *T              `json:"message,omitempty"`
}

func (Fault[T]) faultedType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Error summarizes the first exception.
func (f *Fault[T]) Error() string {
	if len(f.Exceptions) == 0 {
		return "fault: unknown error"
	}
	return fmt.Sprintf("fault: %s", f.Exceptions[0].Message)
}

// ExceptionInfo is the serializable form of one error and its cause chain
type ExceptionInfo struct {
	ExceptionType  string         `json:"exceptionType"`
	Message        string         `json:"message"`
	StackTrace     string         `json:"stackTrace,omitempty"`
	Source         string         `json:"source,omitempty"`
	InnerException *ExceptionInfo `json:"innerException,omitempty"`
}

// Error returns the exception message so an ExceptionInfo can travel as an error.
func (e *ExceptionInfo) Error() string {
	return e.Message
}

// Unwrap exposes the inner exception to errors.Is and errors.As.
func (e *ExceptionInfo) Unwrap() error {
	if e.InnerException == nil {
		return nil
	}
	return e.InnerException
}

type stackTracer interface {
	StackTrace() string
}

// NewExceptionInfo unwinds err and its wrapped causes. A nil error yields nil.
func NewExceptionInfo(err error) *ExceptionInfo {
	if err == nil {
		return nil
	}
	info := &ExceptionInfo{
		ExceptionType: fmt.Sprintf("%T", err),
		Message:       err.Error(),
		Source:        errorSource(err),
	}
	if st, ok := err.(stackTracer); ok {
		info.StackTrace = st.StackTrace()
	}
	if inner := errors.Unwrap(err); inner != nil {
		info.InnerException = NewExceptionInfo(inner)
	} else if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := joined.Unwrap(); len(errs) > 0 {
			info.InnerException = NewExceptionInfo(errs[0])
		}
	}
	return info
}

// ExceptionsOf converts err into the ordered exception list carried by a
// Fault. Joined errors contribute one entry each.
func ExceptionsOf(err error) []ExceptionInfo {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ExceptionInfo
		for _, e := range joined.Unwrap() {
			if e != nil {
				out = append(out, *NewExceptionInfo(e))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []ExceptionInfo{*NewExceptionInfo(err)}
}

func errorSource(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if p := t.PkgPath(); p != "" {
		return p
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
