// Package ids generates identifiers used on the wire and for temporary
// broker entities.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a random UUID string for envelope message ids.
func NewMessageID() string {
	return uuid.New().String()
}

// NewULID returns a lexicographically sortable identifier.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTemporaryName returns prefix followed by a lower-case ULID, suitable
// for exclusive reply queues and consumer tags.
func NewTemporaryName(prefix string) string {
	id := strings.ToLower(NewULID())
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
