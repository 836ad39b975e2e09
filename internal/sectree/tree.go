// Package sectree implements the per-file sector tree described by
// addressing.go's doc comment: a B-tree-shaped index of AEAD-sealed
// sectors, addressed by a deterministic base-1016 offset path and
// chained by parent-held reference MACs rather than self-authenticated
// trailers.
package sectree

import (
	"sync"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/alloc"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/pagecache"
	"github.com/vefscore/vefs/internal/sectordev"
)

// Descriptor is the persisted state of one sector tree: everything a
// caller (the vfsindex entry, or the free-sector pseudo-file) needs to
// store to reopen the tree later.
type Descriptor struct {
	RootSectorID  uint64
	RootMAC       [16]byte
	RootCounterLo uint64
	Depth         int8
	Size          uint64
}

// Cache is the shared, archive-wide sector cache every tree pins
// pages from. Sector ids are globally unique within an archive, so one
// cache instance serves every file's tree plus the free-sector and
// vfsindex pseudo-files (spec §4.4: "the cache substrate is shared").
type Cache = pagecache.Cache[uint64, []byte]

// Tree is one file's (or pseudo-file's) sector tree. Not safe for
// concurrent mutation: callers serialize writers per tree (the archive
// handle does this per open file), though concurrent reads are safe.
type Tree struct {
	mu sync.Mutex

	dev   *sectordev.Device
	cache *Cache
	alloc *alloc.Allocator
	fctx  *filecrypto.Context

	root        uint64
	rootMAC     [16]byte
	rootCounter filecrypto.WriteCounter
	depth       int8
	size        uint64

	dirtyLeaves map[uint64]bool
}

// Empty is the Descriptor of a brand new, zero-length file. The zero
// value of Descriptor is NOT empty (its Depth field defaults to 0, a
// single-leaf tree) so callers creating a fresh file must use this
// explicitly rather than a bare Descriptor{}.
var Empty = Descriptor{Depth: -1}

// New constructs a Tree from a previously-persisted Descriptor (spec
// §4.5 "open"). Pass Empty for a brand new, empty file.
func New(dev *sectordev.Device, cache *Cache, allocator *alloc.Allocator, fctx *filecrypto.Context, desc Descriptor) *Tree {
	return &Tree{
		dev:         dev,
		cache:       cache,
		alloc:       allocator,
		fctx:        fctx,
		root:        desc.RootSectorID,
		rootMAC:     desc.RootMAC,
		rootCounter: filecrypto.CounterFromLo(desc.RootCounterLo),
		depth:       desc.Depth,
		size:        desc.Size,
		dirtyLeaves: make(map[uint64]bool),
	}
}

// Descriptor snapshots the tree's current persisted-or-about-to-be-
// persisted state. Call after Commit to obtain the value to store back
// into the owning vfsindex entry.
func (t *Tree) Descriptor() Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Descriptor{
		RootSectorID:  t.root,
		RootMAC:       t.rootMAC,
		RootCounterLo: t.rootCounter.Lo(),
		Depth:         t.depth,
		Size:          t.size,
	}
}

// Size returns the file's current logical size in bytes.
func (t *Tree) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// cacheKey namespaces a raw sector id for this tree's cache pins. All
// trees in an archive share one Cache keyed directly by physical
// sector id, since ids are never reused while still referenced.
func cacheKey(sectorID uint64) uint64 { return sectorID }

func zeroPayload(buf *[]byte) error {
	if *buf == nil {
		*buf = make([]byte, layout.PayloadSize)
	} else {
		for i := range *buf {
			(*buf)[i] = 0
		}
	}
	return nil
}

// pinExisting pins sectorID's payload, decrypting it from the device
// on first access. expectedMAC/counter come from the parent reference
// (or the tree's own root fields, for the root sector).
func (t *Tree) pinExisting(sectorID uint64, expectedMAC [16]byte, counter filecrypto.WriteCounter) (pagecache.Handle[uint64, []byte], error) {
	h, err := t.cache.Access(cacheKey(sectorID), func(buf *[]byte) error {
		if *buf == nil || len(*buf) != layout.PayloadSize {
			*buf = make([]byte, layout.PayloadSize)
		}
		return t.dev.ReadSector(*buf, t.fctx, sectorID, expectedMAC, counter)
	})
	if err != nil {
		return h, withFileID(err, t.fctx.ID())
	}
	return h, nil
}

// withFileID decorates err with the owning file's id, when it's one
// of this package's own *errs.Error values (a raw decode/I/O error
// passes through unchanged).
func withFileID(err error, id [16]byte) error {
	if e, ok := err.(*errs.Error); ok {
		return e.WithFileID(id)
	}
	return err
}

// pinFresh pins a newly-allocated sector, zero-initializing its
// payload rather than reading from the device.
func (t *Tree) pinFresh(sectorID uint64) (pagecache.Handle[uint64, []byte], error) {
	return t.cache.Access(cacheKey(sectorID), zeroPayload)
}
