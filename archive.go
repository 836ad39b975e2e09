// Package vefs implements an encrypted virtual filesystem stored
// inside a single host file (spec §1). Archive is the top-level
// handle composing the sector device, allocator, shared sector cache,
// vfilesystem index, and per-file sector trees. Grounded on the
// teacher's api.go top-level Context/PrivateKey orchestration: a
// single configuration+handle object that owns the underlying
// container and derives per-operation crypto contexts from it.
package vefs

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/alloc"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/pagecache"
	"github.com/vefscore/vefs/internal/sectordev"
	"github.com/vefscore/vefs/internal/sectree"
	"github.com/vefscore/vefs/internal/vcrypto"
	"github.com/vefscore/vefs/internal/vfsindex"
	"github.com/vefscore/vefs/internal/workpool"
	"github.com/vefscore/vefs/internal/xhash"
)

// openFile is the archive's bookkeeping for one path with at least one
// outstanding FileHandle, or one that has been touched and kept
// resident for its dirty in-memory tree state. refs counts live
// FileHandles; Erase requires refs == 0 (spec §4.7 "still_in_use").
type openFile struct {
	fileID [16]byte
	secret [32]byte
	mode   FileMode
	fctx   *filecrypto.Context
	tree   *sectree.Tree
	refs   int
}

// Archive is the open handle on one VEFS archive file (spec §4.8).
// Safe for concurrent use from multiple goroutines.
type Archive struct {
	mu       sync.RWMutex
	dev      *sectordev.Device
	cache    *sectree.Cache
	alloc    *alloc.Allocator
	freeTree *sectree.Tree
	freeCtx  *filecrypto.Context
	index    *vfsindex.Index
	crypto   vcrypto.Provider
	pool     workpool.Pool

	commitMu sync.Mutex
	open     map[string]*openFile
}

// Open opens (or, with opts.Create, initializes) the archive at path
// (spec §4.2 "open" lifted to the archive layer: recovers the master
// secret, then bootstraps the allocator, vfilesystem index, and
// free-sector pseudo-file from the active dynamic header).
func Open(path string, userPRK []byte, opts OpenOptions) (*Archive, error) {
	crypto := opts.Crypto
	if crypto == nil {
		crypto = vcrypto.NewAESGCM()
	}
	// Every open of an existing archive goes through PurgeCorruption
	// rather than a plain Open: if the process crashed mid-growth, the
	// last authenticated header may declare fewer sectors than the
	// physical file holds, and those trailing sectors were never
	// referenced by any authenticated header (spec §4.2 "purge
	// corruption"). PurgeCorruption trims them before the archive
	// handle does anything else; when there is nothing to trim it is
	// exactly an Open.
	var dev *sectordev.Device
	var err error
	if opts.Create {
		dev, err = sectordev.Open(path, userPRK, sectordev.CreateNew, crypto)
	} else {
		dev, err = sectordev.PurgeCorruption(path, userPRK, crypto)
	}
	if err != nil {
		return nil, err
	}
	log.Logf("vefs: opened archive %s using dynamic header %c (version %d)", path, dev.ActiveHalf(), dev.Header().Version)

	cacheCap := opts.CacheCapacity
	if cacheCap <= 0 {
		cacheCap = defaultCacheCapacity
	}
	cache := pagecache.New[uint64, []byte](cacheCap, xhash.Sum64Uint64)

	pool := opts.Pool
	if pool == nil {
		pool = workpool.New(0)
	}

	a := &Archive{
		dev:    dev,
		cache:  cache,
		crypto: crypto,
		pool:   pool,
		open:   make(map[string]*openFile),
	}

	if err := a.bootstrap(); err != nil {
		dev.Close()
		pool.Close()
		return nil, err
	}
	return a, nil
}

// bootstrap recovers the allocator's free list, the free-sector
// pseudo-file tree, and the vfilesystem index from the device's
// active header. The free list is read through a throwaway allocator
// (reads never allocate) and then re-bound to the real one, since the
// allocator the free-sector tree itself needs isn't known until the
// free-sector tree has been read (spec §4.3 ordering: the free-sector
// pseudo-file records the allocator's own state).
func (a *Archive) bootstrap() error {
	hs := a.dev.Header()

	freeDesc := sectree.Descriptor{
		RootSectorID:  hs.FreeRootSectorID,
		RootMAC:       hs.FreeRootMAC,
		RootCounterLo: hs.FreeWriteCounterLo,
		Depth:         hs.FreeTreeDepth,
		Size:          hs.FreeSize,
	}
	a.freeCtx = filecrypto.New(vfsindex.FreeSectorFileID(), [32]byte{}, a.dev.MasterSecret())
	a.freeCtx.SetCounter(filecrypto.CounterFromParts(hs.FreeWriteCounterHi, hs.FreeWriteCounterLo))

	bootAlloc := alloc.New(a.dev, nil)
	bootTree := sectree.New(a.dev, a.cache, bootAlloc, a.freeCtx, freeDesc)
	buf := make([]byte, freeDesc.Size)
	if len(buf) > 0 {
		if _, err := bootTree.ReadAt(buf, 0); err != nil {
			return errs.Wrap(errs.FreeSectorIndexInvalidSize, err, "failed to read free-sector pseudo-file")
		}
	}
	free, leaked, err := alloc.DecodeFreeList(buf)
	if err != nil {
		return err
	}

	a.alloc = alloc.New(a.dev, free)
	a.alloc.RestoreLeaked(leaked)
	a.freeTree = sectree.New(a.dev, a.cache, a.alloc, a.freeCtx, freeDesc)

	vfsDesc := sectree.Descriptor{
		RootSectorID:  hs.VFSRootSectorID,
		RootMAC:       hs.VFSRootMAC,
		RootCounterLo: hs.VFSWriteCounterLo,
		Depth:         hs.VFSTreeDepth,
		Size:          hs.VFSSize,
	}
	idx, err := vfsindex.Open(a.dev, a.cache, a.alloc, vfsDesc, filecrypto.CounterFromParts(hs.VFSWriteCounterHi, hs.VFSWriteCounterLo))
	if err != nil {
		return err
	}
	a.index = idx
	return nil
}

// newFileID draws a random 128-bit id, retrying on the astronomically
// unlikely event it collides with one of the two reserved pseudo-file
// ids (spec §9 "implementers must pick two fixed sentinel UUIDs ...
// never change them").
func (a *Archive) newFileID() ([16]byte, error) {
	for {
		u, err := uuid.NewRandom()
		if err != nil {
			return [16]byte{}, errs.Wrap(errs.ResourceExhausted, err, "failed to generate file id")
		}
		var id [16]byte
		copy(id[:], u[:])
		if !vfsindex.Reserved(id) {
			return id, nil
		}
	}
}

// Stats reports the allocator's current free-list and leaked-sector
// counts, a diagnostic surface mirroring the free-sector pseudo-file's
// on-disk bookkeeping (spec §4.3).
type Stats struct {
	FreeSectors   int
	LeakedSectors int
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (a *Archive) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		FreeSectors:   len(a.alloc.FreeIDs()),
		LeakedSectors: len(a.alloc.LeakedIDs()),
	}
}

// Personalization returns a copy of the archive's 4 KiB user area.
func (a *Archive) Personalization() []byte { return a.dev.Personalization() }

// SetPersonalization overwrites the 4 KiB user area in memory. It is
// written to disk only when SetKey next rewrites the static header;
// Commit does not write it.
func (a *Archive) SetPersonalization(b []byte) error { return a.dev.SetPersonalization(b) }

// SetKey reseals the master secret under newUserPRK, rotating the
// static header's box key without touching any sector or file content.
func (a *Archive) SetKey(newUserPRK []byte) error { return a.dev.UpdateStaticHeader(newUserPRK) }

// Close releases every resource the archive holds: the background
// pool, then the sector device (which releases the mmap, file handle,
// and the single-writer lockfile). It does not commit first; callers
// that want durability must call Commit before Close.
func (a *Archive) Close() error {
	a.pool.Close()
	return a.dev.Close()
}
