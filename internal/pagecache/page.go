// Package pagecache implements the generic, fixed-capacity, concurrent
// sector cache (spec §4.4): pinned/dirty pages with a TinyLFU-style
// replacement policy. Grounded on the teacher's fsContainer cache
// bookkeeping (container.go: cacheIdxLut/cacheBufLut/cacheFreeIdx,
// mmap'd fixed-size slots addressed by index) generalized from "every
// subtree stays resident until explicitly dropped" to a real bounded
// cache with admission and eviction.
package pagecache

import "sync/atomic"

// state is the lifecycle of one page (spec §3 "cache page"):
// dead -> initializing -> clean -> (dirty <-> clean) -> replacing -> dead.
type state uint8

const (
	stateDead state = iota
	stateInitializing
	stateClean
	stateDirty
	stateReplacing
)

// packedState is the single atomic word backing one page's
// (pin, generation, state, referenced, tombstone) tuple, following the
// design note's guidance to keep the teacher-style C-style atomic
// packing but give every field a named accessor. Layout, low to high:
//
//	bits 0-15:  pin count (uint16)
//	bits 16-18: state (3 bits)
//	bit  19:    referenced
//	bit  20:    tombstone
//	bits 32-63: generation (uint32)
type packedState uint64

func makePackedState(pin uint16, st state, referenced, tombstone bool, gen uint32) packedState {
	var w uint64
	w |= uint64(pin)
	w |= uint64(st) << 16
	if referenced {
		w |= 1 << 19
	}
	if tombstone {
		w |= 1 << 20
	}
	w |= uint64(gen) << 32
	return packedState(w)
}

func (w packedState) pin() uint16        { return uint16(w & 0xffff) }
func (w packedState) st() state          { return state((w >> 16) & 0x7) }
func (w packedState) referenced() bool   { return (w>>19)&1 == 1 }
func (w packedState) tombstone() bool    { return (w>>20)&1 == 1 }
func (w packedState) generation() uint32 { return uint32(w >> 32) }

func (w packedState) withPin(pin uint16) packedState {
	return makePackedState(pin, w.st(), w.referenced(), w.tombstone(), w.generation())
}
func (w packedState) withState(st state) packedState {
	return makePackedState(w.pin(), st, w.referenced(), w.tombstone(), w.generation())
}
func (w packedState) withReferenced(r bool) packedState {
	return makePackedState(w.pin(), w.st(), r, w.tombstone(), w.generation())
}
func (w packedState) withTombstone(t bool) packedState {
	return makePackedState(w.pin(), w.st(), w.referenced(), t, w.generation())
}
func (w packedState) withNextGeneration() packedState {
	return makePackedState(w.pin(), w.st(), w.referenced(), w.tombstone(), w.generation()+1)
}

// page is one slot in the cache's fixed-capacity array.
type page[K comparable, V any] struct {
	word  atomic.Uint64 // packedState
	key   K
	value V
	dirty atomic.Bool
}

func (p *page[K, V]) load() packedState  { return packedState(p.word.Load()) }
func (p *page[K, V]) cas(old, new packedState) bool {
	return p.word.CompareAndSwap(uint64(old), uint64(new))
}
