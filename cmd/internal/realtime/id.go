package realtime

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID string (26 chars). ULIDs sort by creation time, which
// keeps message ids ordered the same way as createdAt.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
