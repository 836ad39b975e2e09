// Package xhash provides the small hashing utilities used for
// diagnostics and cache admission scoring (spec §2 item 11, §4.4).
package xhash

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// Sum64 fingerprints b, used to attach a short diagnostic fingerprint
// to tag-mismatch errors without reproducing the whole sector.
func Sum64(b []byte) uint64 { return xxhash.Sum64(b) }

// Sum64Uint64 fingerprints a little-endian encoding of v, used as the
// cache substrate's keyHash when the cache key is itself a physical
// sector id (§4.4): sector ids are allocated in roughly increasing
// order, so hashing them spreads frequency-sketch rows evenly instead
// of clustering on the identity function.
func Sum64Uint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

// Sum64String fingerprints s.
func Sum64String(s string) uint64 { return xxhash.Sum64String(s) }

// New returns a fresh streaming xxhash state.
func New() *xxhash.Digest { return xxhash.New() }
