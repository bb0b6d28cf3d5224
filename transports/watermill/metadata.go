package watermill

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/serialization"
)

// Metadata keys
const (
	MetaHeaders       = "mmate_headers"
	MetaContentType   = "mmate_content_type"
	MetaCorrelationID = "mmate_correlation_id"
	MetaExpiresAt     = "mmate_expires_at" // unix ms
	MetaPriority      = "mmate_priority"
)

// toMessage converts msg into a Watermill message. Headers travel as one
// JSON document so their value types survive the string-only metadata.
func toMessage(msg *messaging.TransportMessage, now time.Time) (*message.Message, error) {
	id := msg.MessageID
	if id == "" {
		id = watermill.NewUUID()
	}
	wm := message.NewMessage(id, msg.Body)
	if len(msg.Headers) > 0 {
		headers, err := serialization.Marshal(msg.Headers)
		if err != nil {
			return nil, fmt.Errorf("watermill: encode headers: %w", err)
		}
		wm.Metadata.Set(MetaHeaders, string(headers))
	}
	if msg.ContentType != "" {
		wm.Metadata.Set(MetaContentType, msg.ContentType)
	}
	if msg.CorrelationID != "" {
		wm.Metadata.Set(MetaCorrelationID, msg.CorrelationID)
	}
	if msg.TimeToLive > 0 {
		wm.Metadata.Set(MetaExpiresAt, strconv.FormatInt(now.Add(msg.TimeToLive).UnixMilli(), 10))
	}
	if msg.Priority > 0 {
		wm.Metadata.Set(MetaPriority, strconv.Itoa(int(msg.Priority)))
	}
	return wm, nil
}

func headersOf(wm *message.Message) (map[string]any, error) {
	headers := map[string]any{}
	raw := wm.Metadata.Get(MetaHeaders)
	if raw == "" {
		return headers, nil
	}
	if err := serialization.Unmarshal([]byte(raw), &headers); err != nil {
		return headers, fmt.Errorf("watermill: decode headers of message %s: %w", wm.UUID, err)
	}
	return headers, nil
}

func expired(wm *message.Message, now time.Time) bool {
	ms, err := strconv.ParseInt(wm.Metadata.Get(MetaExpiresAt), 10, 64)
	if err != nil || ms <= 0 {
		return false
	}
	return !now.Before(time.UnixMilli(ms))
}

// deadLetterMessage copies wm with headers replaced
func deadLetterMessage(wm *message.Message, headers map[string]any) *message.Message {
	out := message.NewMessage(watermill.NewUUID(), wm.Payload)
	for k, v := range wm.Metadata {
		out.Metadata.Set(k, v)
	}
	if encoded, err := serialization.Marshal(headers); err == nil {
		out.Metadata.Set(MetaHeaders, string(encoded))
	}
	delete(out.Metadata, MetaExpiresAt)
	return out
}
