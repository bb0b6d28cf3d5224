package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/serialization"
)

// Stream entry fields
const (
	fieldBody          = "body"
	fieldContentType   = "contentType"
	fieldMessageID     = "messageId"
	fieldCorrelationID = "correlationId"
	fieldHeaders       = "headers"
	fieldEnqueuedAt    = "enqueuedAt" // unix ms
	fieldExpiresAt     = "expiresAt"  // unix ms
	fieldPriority      = "priority"
)

// entry is one decoded stream entry
type entry struct {
	ID            string
	Body          []byte
	ContentType   string
	MessageID     string
	CorrelationID string
	Headers       map[string]any
	EnqueuedAt    time.Time
	ExpiresAt     *time.Time
}

func (e *entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// encodeEntry flattens a transport message into stream fields. Headers
// travel as one JSON document.
func encodeEntry(msg *messaging.TransportMessage, now time.Time) (map[string]any, error) {
	values := map[string]any{
		fieldBody:       msg.Body,
		fieldEnqueuedAt: now.UnixMilli(),
	}
	if msg.ContentType != "" {
		values[fieldContentType] = msg.ContentType
	}
	if msg.MessageID != "" {
		values[fieldMessageID] = msg.MessageID
	}
	if msg.CorrelationID != "" {
		values[fieldCorrelationID] = msg.CorrelationID
	}
	if msg.Priority > 0 {
		values[fieldPriority] = int64(msg.Priority)
	}
	if msg.TimeToLive > 0 {
		values[fieldExpiresAt] = now.Add(msg.TimeToLive).UnixMilli()
	}
	if len(msg.Headers) > 0 {
		headers, err := serialization.Marshal(msg.Headers)
		if err != nil {
			return nil, fmt.Errorf("redisstream: encode headers: %w", err)
		}
		values[fieldHeaders] = headers
	}
	return values, nil
}

func decodeEntry(id string, values map[string]any) (*entry, error) {
	e := &entry{
		ID:            id,
		Body:          asBytes(values[fieldBody]),
		ContentType:   asString(values[fieldContentType]),
		MessageID:     asString(values[fieldMessageID]),
		CorrelationID: asString(values[fieldCorrelationID]),
		Headers:       map[string]any{},
	}
	if ms, ok := toInt64(values[fieldEnqueuedAt]); ok {
		e.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, ok := toInt64(values[fieldExpiresAt]); ok && ms > 0 {
		expires := time.UnixMilli(ms)
		e.ExpiresAt = &expires
	}
	if raw := asBytes(values[fieldHeaders]); len(raw) > 0 {
		if err := serialization.Unmarshal(raw, &e.Headers); err != nil {
			return e, fmt.Errorf("redisstream: decode headers of entry %s: %w", id, err)
		}
	}
	return e, nil
}

// values rebuilds the stream fields of e, for dead-lettering
func (e *entry) values() map[string]any {
	values := map[string]any{
		fieldBody:       e.Body,
		fieldEnqueuedAt: time.Now().UnixMilli(),
	}
	if e.ContentType != "" {
		values[fieldContentType] = e.ContentType
	}
	if e.MessageID != "" {
		values[fieldMessageID] = e.MessageID
	}
	if e.CorrelationID != "" {
		values[fieldCorrelationID] = e.CorrelationID
	}
	if len(e.Headers) > 0 {
		if headers, err := serialization.Marshal(e.Headers); err == nil {
			values[fieldHeaders] = headers
		}
	}
	return values
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
