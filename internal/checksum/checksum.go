// Package checksum implements the rolling hash used for snapshot integrity
// and sync change detection.
//
// The hash is the 31-multiplier rolling hash over the canonical serialized
// form, rendered as "r32:" followed by eight hex digits. The prefix names the
// algorithm so a stronger digest can be introduced later without invalidating
// artifacts produced by earlier releases. It defends against accidental
// corruption, not tampering.
package checksum

import (
	"fmt"
	"strings"
)

// Prefix identifies the rolling-hash algorithm in stored checksums.
const Prefix = "r32:"

// Sum computes the checksum of data.
func Sum(data []byte) string {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return fmt.Sprintf("%s%08x", Prefix, h)
}

// Verify reports whether data hashes to want.
//
// Unknown algorithm prefixes fail verification rather than being skipped:
// a checksum this code cannot recompute gives no integrity guarantee.
func Verify(data []byte, want string) bool {
	if !strings.HasPrefix(want, Prefix) {
		return false
	}
	return Sum(data) == want
}
