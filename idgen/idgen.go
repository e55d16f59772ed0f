// Package idgen generates the identifiers used for pages, change batches
// and request traces. Components take a Generator so tests can supply
// deterministic IDs.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator of base-36 IDs of n characters, drawn from
// crypto/rand without modulo bias. Used for page and trace IDs.
func NanoID(n int) Generator {
	// Bytes at or above limit would favour the first characters.
	const limit = 256 - 256%len(alphabet)
	return func() string {
		out := make([]byte, 0, n)
		buf := make([]byte, n+n/4+1)
		for len(out) < n {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand: " + err.Error())
			}
			for _, b := range buf {
				if int(b) < limit && len(out) < n {
					out = append(out, alphabet[int(b)%len(alphabet)])
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. They sort by
// creation time, which keeps batch IDs in log order.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed prepends prefix to every ID of gen ("page_", "bat_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns a Generator of prefix1, prefix2, ... for tests and
// reproducible logs. Safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()
