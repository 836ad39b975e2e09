package sectree

import (
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/pagecache"
)

// growLocked expands the tree until its capacity reaches newDepth
// (spec §4.5 "depth expansion"). Caller must hold t.mu.
//
// Starting from an empty tree (depth -1), it jumps straight to an
// empty root at newDepth: no intermediate level needs to exist yet,
// since descendForWrite allocates them lazily on demand, and eagerly
// materializing leaf 0 along the way would turn a genuine sparse hole
// into an allocated-but-unwritten sector. Starting from an already
// populated tree, it instead wraps the current root under a fresh
// interior root one level at a time, preserving its content.
func (t *Tree) growLocked(newDepth int8) error {
	if t.depth == newDepth {
		return nil
	}

	// The exact number of new root-wrapping sectors this call needs is
	// known up front, so it reserves them as one preallocation handle
	// (spec §4.3 "preallocation handle") rather than allocating one at
	// a time: any mid-loop failure below returns the still-unused
	// reservation instead of leaking it into the free list as an
	// orphan sector id.
	n := int(newDepth - t.depth)
	if t.depth < 0 {
		n = 1
	}
	ids, err := t.alloc.ReserveN(n)
	if err != nil {
		return err
	}
	used := 0
	release := func() { t.alloc.Release(ids[used:]) }

	if t.depth < 0 {
		id := ids[0]
		h, err := t.pinFresh(id)
		if err != nil {
			release()
			return err
		}
		used++
		t.cache.MarkDirty(h)
		h.Release()
		t.root, t.rootMAC, t.rootCounter = id, [16]byte{}, filecrypto.WriteCounter{}
		t.depth = newDepth
		return nil
	}
	for t.depth < newDepth {
		newID := ids[used]
		h, err := t.pinFresh(newID)
		if err != nil {
			release()
			return err
		}
		used++
		putReference(*h.Value(), 0, reference{
			sectorID:  t.root,
			mac:       t.rootMAC,
			counterLo: t.rootCounter.Lo(),
		})
		t.cache.MarkDirty(h)
		h.Release()
		t.root = newID
		t.depth++
	}
	return nil
}

type walkStep struct {
	sectorID uint64
	mac      [16]byte
	counter  filecrypto.WriteCounter
	fresh    bool // true if allocated during this walk, not yet on disk
}

// descendForWrite walks from the root to leafIdx's leaf, allocating
// and wiring any missing interior sectors along the way, and returns a
// pinned, writable handle to the leaf. An interior sector is marked
// dirty here only when it gains a new child reference; Commit reaches
// the rest of the path through the leaf's dirtyLeaves entry.
func (t *Tree) descendForWrite(leafIdx uint64) (pagecache.Handle[uint64, []byte], error) {
	t.mu.Lock()
	depth, root, rootMAC, rootCounter := t.depth, t.root, t.rootMAC, t.rootCounter
	t.mu.Unlock()

	if depth == 0 {
		return t.pinExisting(root, rootMAC, rootCounter)
	}

	cur := walkStep{sectorID: root, mac: rootMAC, counter: rootCounter}
	var held []pagecache.Handle[uint64, []byte]
	releaseHeld := func() {
		for _, h := range held {
			h.Release()
		}
	}

	for _, off := range path(leafIdx, depth) {
		var h pagecache.Handle[uint64, []byte]
		var err error
		if cur.fresh {
			h, err = t.pinFresh(cur.sectorID)
		} else {
			h, err = t.pinExisting(cur.sectorID, cur.mac, cur.counter)
		}
		if err != nil {
			releaseHeld()
			return pagecache.Handle[uint64, []byte]{}, err
		}
		held = append(held, h)

		ref := getReference(*h.Value(), off)
		if ref.empty() {
			newID, err := t.alloc.Reallocate(0)
			if err != nil {
				releaseHeld()
				return pagecache.Handle[uint64, []byte]{}, err
			}
			putReference(*h.Value(), off, reference{sectorID: newID})
			t.cache.MarkDirty(h)
			cur = walkStep{sectorID: newID, fresh: true}
		} else {
			cur = walkStep{sectorID: ref.sectorID, mac: ref.mac, counter: ref.counter()}
		}
	}

	var leaf pagecache.Handle[uint64, []byte]
	var err error
	if cur.fresh {
		leaf, err = t.pinFresh(cur.sectorID)
	} else {
		leaf, err = t.pinExisting(cur.sectorID, cur.mac, cur.counter)
	}
	releaseHeld()
	return leaf, err
}

// WriteAt writes buf at byte offset off, growing the tree (and the
// file's logical size) as needed. Holes crossed by growth but not
// written stay sparse until written; reading them returns zeros
// without allocating (spec §4.5 "write").
func (t *Tree) WriteAt(buf []byte, off uint64) error {
	t.mu.Lock()
	newSize := t.size
	if off+uint64(len(buf)) > newSize {
		newSize = off + uint64(len(buf))
	}
	neededLeaves := (newSize + layout.PayloadSize - 1) / layout.PayloadSize
	neededDepth, err := requiredDepth(neededLeaves)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.growLocked(neededDepth); err != nil {
		t.mu.Unlock()
		return err
	}
	t.size = newSize
	t.mu.Unlock()

	var n uint64
	want := uint64(len(buf))
	for n < want {
		pos := off + n
		leafIdx := leafIndex(pos)
		inLeaf := uint64(leafOffset(pos))
		chunk := layout.PayloadSize - inLeaf
		if remaining := want - n; chunk > remaining {
			chunk = remaining
		}

		h, err := t.descendForWrite(leafIdx)
		if err != nil {
			return withTreePosition(err, pos)
		}
		copy((*h.Value())[inLeaf:inLeaf+chunk], buf[n:n+chunk])
		t.cache.MarkDirty(h)
		t.mu.Lock()
		t.dirtyLeaves[leafIdx] = true
		t.mu.Unlock()
		h.Release()

		n += chunk
	}
	return nil
}
