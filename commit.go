package vefs

import (
	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/sectordev"
)

// Commit flushes every dirty open file tree, the vfilesystem index,
// and the allocator's free list, then atomically advances the active
// dynamic header (spec §4.8 "commit" ordering: leaves before roots,
// file trees before the vfilesystem index, the index before the free
// list, the free list before the header). Only one Commit runs at a
// time; concurrent Commits block rather than interleave.
func (a *Archive) Commit() error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	for path, of := range a.open {
		desc, err := of.tree.Commit()
		if err != nil {
			return err
		}
		entry, qerr := a.index.Query(path)
		if qerr != nil {
			continue
		}
		entry.Descriptor = desc
		entry.CounterHi = of.fctx.Counter().Hi()
		entry.CounterLo = of.fctx.Counter().Lo()
		a.index.Put(path, entry)
	}

	vfsDesc, vfsCounter, err := a.index.Commit()
	if err != nil {
		return err
	}

	if err := a.flushFreeList(); err != nil {
		return err
	}
	freeDesc, err := a.freeTree.Commit()
	if err != nil {
		return err
	}

	// Every tree's own Commit should have written back and cleaned
	// every page it dirtied; a page still dirty here means some sector
	// escaped resealing and the about-to-be-written header would point
	// at a tree with unflushed content.
	if err := a.cache.ForEachDirty(func(sectorID uint64, _ *[]byte) error {
		return errs.New(errs.InvalidProto, "sector %d still dirty at commit time", sectorID)
	}); err != nil {
		return err
	}

	state := sectordev.HeaderState{
		VFSRootSectorID:   vfsDesc.RootSectorID,
		VFSRootMAC:        vfsDesc.RootMAC,
		VFSTreeDepth:      vfsDesc.Depth,
		VFSSize:           vfsDesc.Size,
		VFSWriteCounterHi: vfsCounter.Hi(),
		VFSWriteCounterLo: vfsCounter.Lo(),

		FreeRootSectorID:   freeDesc.RootSectorID,
		FreeRootMAC:        freeDesc.RootMAC,
		FreeTreeDepth:      freeDesc.Depth,
		FreeSize:           freeDesc.Size,
		FreeWriteCounterHi: a.freeCtx.Counter().Hi(),
		FreeWriteCounterLo: a.freeCtx.Counter().Lo(),
	}
	return a.dev.UpdateHeader(state)
}

// flushFreeList re-serializes the allocator's free and leaked id lists
// into the free-sector pseudo-file tree (spec §4.3). Run after every
// file's tree and the vfilesystem index have been committed, since
// committing those can itself deallocate sectors (pruned tree nodes,
// a shrunk index) and grow the free list one last time.
func (a *Archive) flushFreeList() error {
	buf := a.alloc.EncodeFreeList()
	if err := a.freeTree.Truncate(uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return a.freeTree.WriteAt(buf, 0)
}
