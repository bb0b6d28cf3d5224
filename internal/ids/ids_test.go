package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDs(t *testing.T) {
	t.Run("NewMessageID returns distinct uuids", func(t *testing.T) {
		a, b := NewMessageID(), NewMessageID()
		assert.True(t, IsUUID(a))
		assert.True(t, IsUUID(b))
		assert.NotEqual(t, a, b)
	})

	t.Run("NewULID is monotonic within a process", func(t *testing.T) {
		prev := NewULID()
		for i := 0; i < 100; i++ {
			next := NewULID()
			assert.Less(t, prev, next)
			prev = next
		}
	})

	t.Run("NewTemporaryName prefixes a lower-case ulid", func(t *testing.T) {
		name := NewTemporaryName("mmate-response")
		assert.True(t, strings.HasPrefix(name, "mmate-response-"))
		assert.Equal(t, strings.ToLower(name), name)
		assert.Len(t, name, len("mmate-response-")+26)
	})

	t.Run("NewTemporaryName without prefix", func(t *testing.T) {
		assert.Len(t, NewTemporaryName(""), 26)
	})
}
