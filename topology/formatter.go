package topology

import (
	"reflect"
	"strings"
	"unicode"
)

// DefaultEntityPrefix is used when no prefix is configured
const DefaultEntityPrefix = "mmate"

// DefaultQueueSuffix is appended to normalized consumer names
const DefaultQueueSuffix = "-queue"

// EntityNameFormatter names the exchange/topic a message type is published to
type EntityNameFormatter interface {
	FormatEntityName(t reflect.Type) string
}

// QueueNameFormatter names the queue a consumer receives from
type QueueNameFormatter interface {
	FormatQueueName(consumerName string) string
}

// PrefixEntityNameFormatter formats entity names as "<Prefix>:<TypeName>"
type PrefixEntityNameFormatter struct {
	Prefix string
}

// FormatEntityName implements EntityNameFormatter
func (f PrefixEntityNameFormatter) FormatEntityName(t reflect.Type) string {
	name := SimpleTypeName(t)
	if f.Prefix == "" {
		return name
	}
	return f.Prefix + ":" + name
}

// KebabQueueNameFormatter formats queue names as kebab-case plus Suffix
type KebabQueueNameFormatter struct {
	Suffix string
}

// FormatQueueName implements QueueNameFormatter
func (f KebabQueueNameFormatter) FormatQueueName(consumerName string) string {
	name := KebabCase(consumerName)
	if f.Suffix != "" && !strings.HasSuffix(name, f.Suffix) {
		name += f.Suffix
	}
	return name
}

// SimpleTypeName returns the unqualified name of t, without pointer
// indirection or generic type arguments.
func SimpleTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		name = t.String()
	}
	return name
}

// KebabCase normalizes an identifier: "HTTPOrderConsumer" becomes
// "http-order-consumer". Existing separators collapse to a single dash.
func KebabCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	lastDash := true
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == '.' || r == ' ' || r == ':' || r == '/':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
			continue
		case unicode.IsUpper(r):
			boundary := i > 0 && !lastDash &&
				(unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
					(i+1 < len(runes) && unicode.IsLower(runes[i+1])))
			if boundary {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		lastDash = false
	}
	return strings.TrimSuffix(b.String(), "-")
}
