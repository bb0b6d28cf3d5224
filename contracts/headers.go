package contracts

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Reserved headers produced and consumed by the bus runtime
const (
	HeaderFaultAddress       = "x-fault-address"
	HeaderFaultExceptionType = "x-fault-exception-type"
	HeaderFaultMessage       = "x-fault-message"
	HeaderFaultStackTrace    = "x-fault-stack-trace"
	HeaderFaultTimestamp     = "x-fault-timestamp"
	HeaderFaultConsumerType  = "x-fault-consumer-type"
	HeaderFaultInputAddress  = "x-fault-input-address"
	HeaderFaultRetryCount    = "x-fault-retry-count"
	HeaderRedeliveryReason   = "x-redelivery-reason"
	HeaderRedeliveryCount    = "x-redelivery-count"
	HeaderReason             = "x-reason"
)

// HostHeaderPrefix marks headers that describe the sending host. They are
// never echoed into Envelope.Headers; their values only appear in Envelope.Host.
const HostHeaderPrefix = "x-host-"

// Host metadata headers
const (
	HeaderHostMachine          = HostHeaderPrefix + "machine"
	HeaderHostProcess          = HostHeaderPrefix + "process"
	HeaderHostProcessID        = HostHeaderPrefix + "process-id"
	HeaderHostAssembly         = HostHeaderPrefix + "assembly"
	HeaderHostAssemblyVersion  = HostHeaderPrefix + "assembly-version"
	HeaderHostFrameworkVersion = HostHeaderPrefix + "framework-version"
	HeaderHostMmateVersion     = HostHeaderPrefix + "mmate-version"
	HeaderHostOSVersion        = HostHeaderPrefix + "os-version"
)

// IsHostHeader reports whether key belongs to the reserved host namespace.
func IsHostHeader(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), HostHeaderPrefix)
}

// RedeliveryCount reads the redelivery count header. Missing, negative or
// malformed values yield 0. Integers of any width are accepted since AMQP
// tables decode to whatever width the publisher stamped.
func RedeliveryCount(headers map[string]any) int {
	v, ok := headers[HeaderRedeliveryCount]
	if !ok || v == nil {
		return 0
	}
	switch v := v.(type) {
	case float64:
		return floatCount(v)
	case float32:
		return floatCount(float64(v))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < 0 || n > math.MaxInt {
			return 0
		}
		return int(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > math.MaxInt {
			return 0
		}
		return int(n)
	}
	return 0
}

func floatCount(v float64) int {
	if math.IsNaN(v) || v < 0 || v != math.Trunc(v) || v > 1<<53 {
		return 0
	}
	return int(v)
}

// CopyHeaders returns a shallow copy of headers, never nil.
func CopyHeaders(headers map[string]any) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
