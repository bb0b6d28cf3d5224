package rabbitmq

import (
	"fmt"
	"math"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-transit/messaging"
)

// headerTable converts message headers into AMQP field values. Integers
// widen to int64; values AMQP cannot carry are formatted as strings.
func headerTable(headers map[string]any) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := make(amqp.Table, len(headers))
	for k, v := range headers {
		if v == nil {
			continue
		}
		t[k] = fieldValue(v)
	}
	return t
}

func fieldValue(v any) any {
	switch v := v.(type) {
	case string, bool, int64, float64, float32, []byte, time.Time, amqp.Decimal:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		if uint64(v) > math.MaxInt64 {
			return strconv.FormatUint(uint64(v), 10)
		}
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return strconv.FormatUint(v, 10)
		}
		return int64(v)
	case time.Duration:
		return v.String()
	case map[string]any:
		return headerTable(v)
	case amqp.Table:
		return headerTable(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, e := range v {
			if e != nil {
				out = append(out, fieldValue(e))
			}
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// fromTable converts AMQP headers back into plain Go values
func fromTable(t amqp.Table) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch v := v.(type) {
	case amqp.Table:
		return fromTable(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}

// newPublishing maps a transport message onto an AMQP publishing
func newPublishing(msg *messaging.TransportMessage, now time.Time) amqp.Publishing {
	p := amqp.Publishing{
		Headers:       headerTable(msg.Headers),
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     now.UTC(),
		Priority:      msg.Priority,
		DeliveryMode:  amqp.Transient,
		Body:          msg.Body,
	}
	if msg.Durable {
		p.DeliveryMode = amqp.Persistent
	}
	if msg.TimeToLive > 0 {
		ms := msg.TimeToLive.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		p.Expiration = strconv.FormatInt(ms, 10)
	}
	return p
}
