// Package fnv derives compact, non-reversible keys from credentials so that
// in-memory indexes never retain the raw token.
package fnv

import (
	"hash/fnv"
)

// Key hashes parts with 64-bit FNV-1a. Parts are separated by a zero byte
// so that ("ab", "c") and ("a", "bc") yield different keys.
func Key(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum64()
}
