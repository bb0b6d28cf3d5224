package messaging

import (
	"time"
)

// SendOption customizes an outbound message before it enters the send pipe
type SendOption func(*SendContext)

// WithHeader sets a message header
func WithHeader(key string, value any) SendOption {
	return func(c *SendContext) {
		c.SetHeader(key, value)
	}
}

// WithHeaders sets several message headers
func WithHeaders(headers map[string]any) SendOption {
	return func(c *SendContext) {
		for k, v := range headers {
			c.SetHeader(k, v)
		}
	}
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) SendOption {
	return func(c *SendContext) {
		c.MessageID = id
	}
}

func WithCorrelationID(id string) SendOption {
	return func(c *SendContext) {
		c.CorrelationID = id
	}
}

func WithConversationID(id string) SendOption {
	return func(c *SendContext) {
		c.ConversationID = id
	}
}

func WithInitiatorID(id string) SendOption {
	return func(c *SendContext) {
		c.InitiatorID = id
	}
}

func WithRequestID(id string) SendOption {
	return func(c *SendContext) {
		c.RequestID = id
	}
}

// WithResponseAddress sets where replies should be sent
func WithResponseAddress(address string) SendOption {
	return func(c *SendContext) {
		c.ResponseAddress = address
	}
}

// WithFaultAddress sets where faults should be sent
func WithFaultAddress(address string) SendOption {
	return func(c *SendContext) {
		c.FaultAddress = address
	}
}

// WithTimeToLive expires the message if it is not consumed within ttl
func WithTimeToLive(ttl time.Duration) SendOption {
	return func(c *SendContext) {
		c.TimeToLive = ttl
	}
}

// WithScheduledTime defers delivery until at
func WithScheduledTime(at time.Time) SendOption {
	return func(c *SendContext) {
		at = at.UTC()
		c.ScheduledTime = &at
	}
}

// WithDelay defers delivery by d
func WithDelay(d time.Duration) SendOption {
	return func(c *SendContext) {
		if d <= 0 {
			c.ScheduledTime = nil
			return
		}
		at := time.Now().Add(d).UTC()
		c.ScheduledTime = &at
	}
}

// WithPriority sets the broker priority
func WithPriority(priority uint8) SendOption {
	return func(c *SendContext) {
		c.Priority = priority
	}
}

// WithDurable controls whether the transport persists the message
func WithDurable(durable bool) SendOption {
	return func(c *SendContext) {
		c.Durable = durable
	}
}

// WithMessageTypes replaces the URNs listed in the envelope
func WithMessageTypes(urns ...string) SendOption {
	return func(c *SendContext) {
		c.MessageTypes = append([]string(nil), urns...)
	}
}
