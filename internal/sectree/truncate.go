package sectree

import (
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
)

// freeSubtree recursively releases every sector under sectorID (itself
// included) back to the allocator. Used when truncation drops an
// entire branch out of range.
func (t *Tree) freeSubtree(sectorID uint64, mac [16]byte, counter filecrypto.WriteCounter, level int8) error {
	if level > 0 {
		h, err := t.pinExisting(sectorID, mac, counter)
		if err != nil {
			return err
		}
		buf := *h.Value()
		for off := 0; off < layout.ReferencesPerSector; off++ {
			ref := getReference(buf, off)
			if ref.empty() {
				continue
			}
			if err := t.freeSubtree(ref.sectorID, ref.mac, ref.counter(), level-1); err != nil {
				h.Release()
				return err
			}
		}
		h.Release()
	}
	t.cache.Purge(sectorID)
	t.alloc.DeallocOneOrLeak(sectorID)
	return nil
}

// pruneAt drops every child beyond lastLeaf from the subtree rooted at
// sectorID, recursing into the boundary child that still straddles
// lastLeaf, and marks sectorID dirty if anything below it changed.
// Like every other mutation in this package, it never writes to the
// device itself: it only edits the pinned page and marks it dirty, so
// Commit remains the sole point where a sector is resealed and the
// crash-consistency boundary stays at Commit rather than mid-Truncate.
// Returns whether sectorID changed.
func (t *Tree) pruneAt(sectorID uint64, mac [16]byte, counter filecrypto.WriteCounter, level int8, lastLeaf uint64) (bool, error) {
	if level == 0 {
		return false, nil
	}
	h, err := t.pinExisting(sectorID, mac, counter)
	if err != nil {
		return false, err
	}
	buf := *h.Value()
	boundaryOffset := offsetAt(lastLeaf, level-1)
	changed := false

	for off := 0; off < layout.ReferencesPerSector; off++ {
		ref := getReference(buf, off)
		if ref.empty() {
			continue
		}
		switch {
		case off > boundaryOffset:
			if err := t.freeSubtree(ref.sectorID, ref.mac, ref.counter(), level-1); err != nil {
				h.Release()
				return false, err
			}
			putReference(buf, off, reference{})
			changed = true
		case off == boundaryOffset:
			childChanged, err := t.pruneAt(ref.sectorID, ref.mac, ref.counter(), level-1, lastLeaf)
			if err != nil {
				h.Release()
				return false, err
			}
			// The child's own MAC is recomputed by Commit once it
			// reseals the child, and spliced into this reference then
			// (the same parentOf bookkeeping Commit already uses for
			// every other dirty node); nothing to splice here.
			if childChanged {
				changed = true
			}
		}
	}

	if !changed {
		h.Release()
		return false, nil
	}
	t.cache.MarkDirty(h)
	h.Release()
	return true, nil
}

// Truncate resizes the file to exactly newSize bytes (spec §4.5
// "truncate"), growing sparsely or shrinking and releasing now
// out-of-range sectors, including contracting the root when an entire
// top level becomes redundant.
func (t *Tree) Truncate(newSize uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if newSize == t.size {
		return nil
	}
	if newSize > t.size {
		neededLeaves := (newSize + layout.PayloadSize - 1) / layout.PayloadSize
		newDepth, err := requiredDepth(neededLeaves)
		if err != nil {
			return err
		}
		if err := t.growLocked(newDepth); err != nil {
			return err
		}
		t.size = newSize
		return nil
	}

	if newSize == 0 {
		if t.depth >= 0 {
			if err := t.freeSubtree(t.root, t.rootMAC, t.rootCounter, t.depth); err != nil {
				return err
			}
		}
		t.root, t.rootMAC, t.rootCounter = 0, [16]byte{}, filecrypto.WriteCounter{}
		t.depth, t.size = -1, 0
		t.dirtyLeaves = make(map[uint64]bool)
		return nil
	}

	neededLeaves := (newSize + layout.PayloadSize - 1) / layout.PayloadSize
	lastLeaf := neededLeaves - 1

	tail := leafOffset(newSize)
	if tail != 0 {
		if err := t.zeroLeafTailLocked(lastLeaf, tail); err != nil {
			return err
		}
	}

	changed, err := t.pruneAt(t.root, t.rootMAC, t.rootCounter, t.depth, lastLeaf)
	if err != nil {
		return err
	}
	// zeroLeafTailLocked already registered lastLeaf as dirty when it
	// ran; otherwise, if pruning changed an ancestor without touching
	// the boundary leaf's own bytes, Commit still needs lastLeaf in
	// dirtyLeaves to walk down and find what pruneAt marked dirty.
	if changed && tail == 0 {
		if err := t.touchLeafLocked(lastLeaf); err != nil {
			return err
		}
	}

	for t.depth > 0 && capacityLeaves(t.depth-1) >= neededLeaves {
		h, err := t.pinExisting(t.root, t.rootMAC, t.rootCounter)
		if err != nil {
			return err
		}
		ref0 := getReference(*h.Value(), 0)
		h.Release()
		if ref0.empty() {
			break
		}
		oldRoot := t.root
		t.cache.Purge(oldRoot)
		t.alloc.DeallocOneOrLeak(oldRoot)
		t.root, t.rootMAC, t.rootCounter = ref0.sectorID, ref0.mac, ref0.counter()
		t.depth--
	}

	t.size = newSize
	return nil
}

// touchLeafLocked marks leafIdx's own leaf sector dirty without
// changing its content, purely so it lands in dirtyLeaves: Commit
// discovers every dirty interior node by walking root-to-leaf paths
// for each index in dirtyLeaves, so a prune that changes an ancestor
// without otherwise touching the boundary leaf still needs an entry
// here or those ancestor edits would never reach Commit. Caller holds
// t.mu.
func (t *Tree) touchLeafLocked(leafIdx uint64) error {
	if t.depth < 0 || leafIdx >= capacityLeaves(t.depth) {
		return nil
	}
	curSector, curMAC, curCounter := t.root, t.rootMAC, t.rootCounter
	for _, off := range path(leafIdx, t.depth) {
		h, err := t.pinExisting(curSector, curMAC, curCounter)
		if err != nil {
			return err
		}
		ref := getReference(*h.Value(), off)
		h.Release()
		if ref.empty() {
			return nil
		}
		curSector, curMAC, curCounter = ref.sectorID, ref.mac, ref.counter()
	}
	h, err := t.pinExisting(curSector, curMAC, curCounter)
	if err != nil {
		return err
	}
	t.cache.MarkDirty(h)
	h.Release()
	t.dirtyLeaves[leafIdx] = true
	return nil
}

// zeroLeafTailLocked blanks the portion of a leaf sector beyond a
// new, sub-sector-aligned size so a later extend does not resurface
// stale plaintext, and marks it dirty so Commit reseals it. Caller
// holds t.mu.
func (t *Tree) zeroLeafTailLocked(leafIdx uint64, tail int) error {
	if t.depth < 0 || leafIdx >= capacityLeaves(t.depth) {
		return nil
	}

	curSector, curMAC, curCounter := t.root, t.rootMAC, t.rootCounter
	for _, off := range path(leafIdx, t.depth) {
		h, err := t.pinExisting(curSector, curMAC, curCounter)
		if err != nil {
			return err
		}
		ref := getReference(*h.Value(), off)
		h.Release()
		if ref.empty() {
			return nil
		}
		curSector, curMAC, curCounter = ref.sectorID, ref.mac, ref.counter()
	}

	h, err := t.pinExisting(curSector, curMAC, curCounter)
	if err != nil {
		return err
	}
	buf := *h.Value()
	for i := tail; i < layout.PayloadSize; i++ {
		buf[i] = 0
	}
	t.cache.MarkDirty(h)
	h.Release()
	t.dirtyLeaves[leafIdx] = true
	return nil
}
