// Package filecrypto implements the per-file crypto context (spec
// §4.6): the file key plus a strictly-monotone write counter that
// together derive fresh, never-reused key material for every sector
// rewrite.  Grounded on the teacher's Context.precomputeHashes, which
// binds a pubSeed/skSeed pair once and exposes a prfAddrInto closure
// keyed by a tree address — generalized here from a hash-tree address
// to a (sectorID) index plus an explicit counter, since unlike XMSS's
// authentication path the sector tree allows arbitrary sector rewrite.
package filecrypto

import (
	"sync/atomic"

	"github.com/vefscore/vefs/internal/vcrypto"
)

// WriteCounter is the 128-bit monotone nonce component of §3. Modeled
// as two uint64 halves since Go has no native 128-bit atomic.
type WriteCounter struct {
	hi uint64
	lo uint64
}

// Context holds everything needed to derive per-sector key material
// for one file: its 128-bit id, 32-byte secret, and atomic write
// counter.  A Context is safe for concurrent use; every sector write
// must call Next() exactly once to obtain a fresh, never-reused
// counter value before deriving key material.
type Context struct {
	id     [16]byte
	secret [32]byte
	lo     uint64 // atomic low 64 bits of the write counter
	hi     uint64 // atomic high 64 bits; bumped rarely, guarded below

	master []byte // archive master secret, held by reference (not owned)
}

// New constructs a Context for file id with the given 32-byte secret.
// master is the archive's 64-byte master secret; Context does not copy
// it, since it is expected to outlive every file's Context for the
// archive's open lifetime.
func New(id [16]byte, secret [32]byte, master []byte) *Context {
	return &Context{id: id, secret: secret, master: master}
}

// ID returns the file id this context was constructed for.
func (c *Context) ID() [16]byte { return c.id }

// Secret returns the file's 32-byte key.
func (c *Context) Secret() [32]byte { return c.secret }

// Counter returns the current write counter without advancing it.
func (c *Context) Counter() WriteCounter {
	return WriteCounter{hi: atomic.LoadUint64(&c.hi), lo: atomic.LoadUint64(&c.lo)}
}

// SetCounter restores a write counter loaded from a persisted
// descriptor (on Open), without requiring it to be monotone relative
// to a fresh zero value.
func (c *Context) SetCounter(wc WriteCounter) {
	atomic.StoreUint64(&c.hi, wc.hi)
	atomic.StoreUint64(&c.lo, wc.lo)
}

// Next atomically increments the write counter and returns the fresh
// value to use for the sector about to be sealed.  Every sector
// rewrite in the file's lifetime calls this exactly once (§3
// invariant: "write counter strictly increases on every sector
// rewrite").
func (c *Context) Next() WriteCounter {
	for {
		lo := atomic.LoadUint64(&c.lo)
		hi := atomic.LoadUint64(&c.hi)
		newLo := lo + 1
		newHi := hi
		if newLo == 0 { // overflow carries into hi
			newHi++
		}
		if atomic.CompareAndSwapUint64(&c.lo, lo, newLo) {
			if newHi != hi {
				atomic.StoreUint64(&c.hi, newHi)
			}
			return WriteCounter{hi: newHi, lo: newLo}
		}
	}
}

// Lo returns the low 64 bits of wc, the portion small enough to be
// persisted in a sector reference entry's reserved field so a later
// read can reconstruct the exact counter value a sector was sealed
// under without replaying the file's whole write history.
func (wc WriteCounter) Lo() uint64 { return wc.lo }

// CounterFromLo reconstructs a WriteCounter from a persisted low-64
// value, assuming the high half is zero. Archives that outlive 2^64
// sector rewrites of a single file are outside this format's design
// envelope.
func CounterFromLo(lo uint64) WriteCounter { return WriteCounter{lo: lo} }

// Hi returns the high 64 bits of wc, persisted alongside Lo in a
// file's vfsindex entry so a reopened Context's counter resumes above
// every value it has ever issued (spec §3: "write counter strictly
// increases on every sector rewrite" must hold across a close/open
// cycle too, not just within one process's lifetime).
func (wc WriteCounter) Hi() uint64 { return wc.hi }

// CounterFromParts reconstructs a WriteCounter from its persisted
// halves, as loaded from a vfsindex entry on Open.
func CounterFromParts(hi, lo uint64) WriteCounter { return WriteCounter{hi: hi, lo: lo} }

// Bytes encodes wc as 16 bytes, big-endian halves, for use as KDF
// input.
func (wc WriteCounter) Bytes() [16]byte {
	var out [16]byte
	for i := 0; i < 8; i++ {
		out[i] = byte(wc.hi >> (8 * (7 - i)))
		out[8+i] = byte(wc.lo >> (8 * (7 - i)))
	}
	return out
}

// DeriveSectorKeyMaterial derives the key material for sealing or
// opening sectorID using counter as the nonce component. The IKM
// combines the archive master secret with this file's own 32-byte
// secret, so a file's derived keys remain independent of its siblings
// even under an info-string collision in the KDF, not merely because
// their file ids happen to differ.
func (c *Context) DeriveSectorKeyMaterial(sectorID uint64, counter WriteCounter) ([]byte, error) {
	ikm := make([]byte, 0, len(c.master)+len(c.secret))
	ikm = append(ikm, c.master...)
	ikm = append(ikm, c.secret[:]...)
	return vcrypto.DeriveSectorKeyMaterial(ikm, c.id, counter.Bytes(), sectorID)
}
