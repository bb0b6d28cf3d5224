package contracts

import (
	"encoding/json"
	"time"
)

// Envelope wraps a serialized message with routing and correlation metadata
type Envelope struct {
	MessageID          string          `json:"messageId,omitempty"`
	RequestID          string          `json:"requestId,omitempty"`
	CorrelationID      string          `json:"correlationId,omitempty"`
	ConversationID     string          `json:"conversationId,omitempty"`
	InitiatorID        string          `json:"initiatorId,omitempty"`
	SourceAddress      string          `json:"sourceAddress,omitempty"`
	DestinationAddress string          `json:"destinationAddress,omitempty"`
	ResponseAddress    string          `json:"responseAddress,omitempty"`
	FaultAddress       string          `json:"faultAddress,omitempty"`
	ExpirationTime     *time.Time      `json:"expirationTime,omitempty"`
	SentTime           *time.Time      `json:"sentTime,omitempty"`
	MessageType        []string        `json:"messageType"`
	Message            json.RawMessage `json:"message"`
	Headers            map[string]any  `json:"headers,omitempty"`
	Host               *HostInfo       `json:"host,omitempty"`
	ContentType        string          `json:"contentType,omitempty"`
}

// SupportsType reports whether urn is listed in the envelope's message types
func (e *Envelope) SupportsType(urn string) bool {
	for _, t := range e.MessageType {
		if t == urn {
			return true
		}
	}
	return false
}

// IsExpired reports whether the envelope carries an expiration time that
// lies before now.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.ExpirationTime != nil && !e.ExpirationTime.IsZero() && e.ExpirationTime.Before(now)
}

// Header returns a header value and whether it was present.
func (e *Envelope) Header(key string) (any, bool) {
	if e.Headers == nil {
		return nil, false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// HeaderString returns a header value as a string, or "" when absent or not a string.
func (e *Envelope) HeaderString(key string) string {
	v, _ := e.Header(key)
	s, _ := v.(string)
	return s
}
