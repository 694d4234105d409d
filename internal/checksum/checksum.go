// Package checksum computes the page checksums used by block pages (§3) and
// journal pages (§4.6), grounded on util/hash_utils.go's use of
// github.com/OneOfOne/xxhash for content hashing.
package checksum

import "github.com/OneOfOne/xxhash"

// Of64 returns the 64-bit checksum of data, used for journal-page and
// block-page checksums. Both are stored as an i64 on disk (§3, §4.6).
func Of64(data []byte) uint64 {
	h := xxhash.New64()
	h.Write(data)
	return h.Sum64()
}

// Verify reports whether want matches the checksum of data.
func Verify(data []byte, want uint64) bool {
	return Of64(data) == want
}
