// Package idgen provides identifier generation for records, sessions and tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier. IDs minted later in
// the same process always sort after earlier ones, so stores can order by ID
// when timestamps collide.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a sortable identifier whose time component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// WithPrefix returns a sortable identifier with a prefix (e.g. "txn_", "ses_").
func WithPrefix(prefix string) string {
	return prefix + New()
}

// Token generates an opaque random hex token of the given byte length.
func Token(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Time extracts the embedded timestamp from an identifier produced by New.
func Time(id string) (time.Time, bool) {
	if len(id) > ulid.EncodedSize {
		id = id[len(id)-ulid.EncodedSize:]
	}
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
