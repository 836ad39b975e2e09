package pagecache

import (
	"github.com/vefscore/vefs/internal/xhash"
)

// sketch is a 4-bit counting Bloom filter (a "spectral bloom filter")
// used as TinyLFU's frequency estimator, paired with a doorkeeper
// bloom filter that gates first-time admission. Counters age via
// halving once the sample budget is spent, per spec §4.4.
type sketch struct {
	counters  []byte // 2 counters per byte, 4 bits each
	door      []uint64
	doorBits  uint32
	samples   uint32
	sampleCap uint32
	width     uint32
}

func newSketch(capacity int) *sketch {
	width := uint32(capacity * 4)
	if width < 16 {
		width = 16
	}
	return &sketch{
		counters:  make([]byte, (width+1)/2),
		door:      make([]uint64, (width+63)/64),
		doorBits:  width,
		sampleCap: width * 10,
		width:     width,
	}
}

func (s *sketch) rows(key uint64) [4]uint32 {
	var rows [4]uint32
	h := key
	for i := 0; i < 4; i++ {
		h = h*0x9E3779B97F4A7C15 + uint64(i)
		rows[i] = uint32(h>>33) % s.width
	}
	return rows
}

func (s *sketch) get(idx uint32) byte {
	b := s.counters[idx/2]
	if idx%2 == 0 {
		return b & 0x0f
	}
	return b >> 4
}

func (s *sketch) inc(idx uint32) {
	bi := idx / 2
	cur := s.counters[bi]
	if idx%2 == 0 {
		v := cur & 0x0f
		if v < 0x0f {
			s.counters[bi] = (cur & 0xf0) | (v + 1)
		}
	} else {
		v := cur >> 4
		if v < 0x0f {
			s.counters[bi] = (cur & 0x0f) | ((v + 1) << 4)
		}
	}
}

func (s *sketch) doorHash(key uint64) uint32 {
	return uint32((key ^ (key >> 29)) % uint64(s.doorBits))
}

func (s *sketch) doorSeen(key uint64) bool {
	idx := s.doorHash(key)
	return s.door[idx/64]&(1<<(idx%64)) != 0
}

func (s *sketch) doorMark(key uint64) {
	idx := s.doorHash(key)
	s.door[idx/64] |= 1 << (idx % 64)
}

// keyFingerprint reduces an arbitrary comparable cache key to a
// uint64 suitable for sketch hashing, via xxhash over its string form.
// Callers pass an already-stable fingerprint (e.g. a sector id) where
// possible; this helper exists for composite keys.
func keyFingerprint(s string) uint64 { return xhash.Sum64String(s) }

// Estimate returns the estimated access frequency of key.
func (s *sketch) Estimate(key uint64) byte {
	min := byte(0x0f)
	for _, idx := range s.rows(key) {
		if c := s.get(idx); c < min {
			min = c
		}
	}
	return min
}

// RecordAccess increments key's estimated frequency and, on first
// sight (doorkeeper miss), only marks the doorkeeper rather than
// incrementing counters — matching the classic TinyLFU "door keeper"
// admission filter that avoids polluting the sketch with one-hit
// wonders.
func (s *sketch) RecordAccess(key uint64) {
	if !s.doorSeen(key) {
		s.doorMark(key)
		return
	}
	for _, idx := range s.rows(key) {
		s.inc(idx)
	}
	s.samples++
	if s.samples >= s.sampleCap {
		s.age()
	}
}

func (s *sketch) age() {
	for i := range s.counters {
		s.counters[i] = (s.counters[i] >> 1) & 0x77
	}
	for i := range s.door {
		s.door[i] = 0
	}
	s.samples = 0
}
