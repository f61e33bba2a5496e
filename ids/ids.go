// Package ids generates the identifier formats used across the engine:
// sortable ULID-based run/event/correlation ids, UUID queue message ids,
// and unguessable hook tokens.
package ids

import (
	crand "crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RunIDPrefix is prepended to every run identifier.
const RunIDPrefix = "wrun_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRunID returns a fresh run id ("wrun_" + 26-char ULID). Ids are
// lexicographically sortable and monotonic within the process.
func NewRunID() string {
	return RunIDPrefix + newULID()
}

// IsRunID reports whether s has the run id shape.
func IsRunID(s string) bool {
	return strings.HasPrefix(s, RunIDPrefix) && len(s) == len(RunIDPrefix)+ulid.EncodedSize
}

// NewEventID returns a fresh event id (bare ULID).
func NewEventID() string {
	return newULID()
}

// NewCorrelationID returns "<prefix>_<ULID>", e.g. "hc_01J...".
func NewCorrelationID(prefix string) string {
	return prefix + "_" + newULID()
}

// NewMessageID returns a queue message id.
func NewMessageID() string {
	return uuid.NewString()
}

// tokenEncoding is unpadded base32; 16 random bytes encode to 26 chars.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewHookToken returns a single-use hook token: 128 bits from crypto/rand,
// base32-encoded.
func NewHookToken() (string, error) {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return tokenEncoding.EncodeToString(buf[:]), nil
}
