// Package idgen mints opaque identifiers: message ids and connection
// ids. Message ids use an ad hoc base36 timestamp-plus-random scheme;
// connection ids use google/uuid instead, since they are opaque
// correlation handles rather than ordered, dedup-friendly message ids.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NextMessageID returns "<prefix>-<base36 ms timestamp>-<4 random base36 chars>".
// Collisions are improbable but possible.
func NextMessageID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return prefix + "-" + ts + "-" + randomBase36(4)
}

// NewConnectionID mints an opaque connection correlation handle.
func NewConnectionID() string {
	return uuid.NewString()
}

func randomBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is effectively unreachable; fall
			// back to a fixed character rather than panicking.
			out[i] = base36Alphabet[0]
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}
