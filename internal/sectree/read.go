package sectree

import (
	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/layout"
)

// withTreePosition decorates err with the byte offset being accessed
// when it's reached, when it's one of this package's own
// *errs.Error values.
func withTreePosition(err error, pos uint64) error {
	if e, ok := err.(*errs.Error); ok {
		return e.WithTreePosition(pos)
	}
	return err
}

// descendToLeaf pins the leaf sector addressing leafIdx for read-only
// access, releasing every interior sector it passes through. The
// second return is false for a sparse hole (no sector ever allocated
// at that position): the caller should treat the leaf as all-zero.
func (t *Tree) descendToLeaf(leafIdx uint64) (leaf []byte, release func(), present bool, err error) {
	t.mu.Lock()
	depth, root, rootMAC, rootCounter := t.depth, t.root, t.rootMAC, t.rootCounter
	t.mu.Unlock()

	if depth < 0 || leafIdx >= capacityLeaves(depth) {
		return nil, func() {}, false, nil
	}

	curSector, curMAC, curCounter := root, rootMAC, rootCounter
	for _, off := range path(leafIdx, depth) {
		h, ferr := t.pinExisting(curSector, curMAC, curCounter)
		if ferr != nil {
			return nil, func() {}, false, ferr
		}
		ref := getReference(*h.Value(), off)
		h.Release()
		if ref.empty() {
			return nil, func() {}, false, nil
		}
		curSector, curMAC, curCounter = ref.sectorID, ref.mac, ref.counter()
	}

	h, ferr := t.pinExisting(curSector, curMAC, curCounter)
	if ferr != nil {
		return nil, func() {}, false, ferr
	}
	return *h.Value(), h.Release, true, nil
}

// ReadAt copies min(len(buf), size-off) bytes starting at off into
// buf, zero-filling any sparse holes it crosses, and returns the
// number of bytes copied. Reading past the tree's current size returns
// (0, nil) (spec §4.5 "reads past end of file return zero bytes, not
// an error").
func (t *Tree) ReadAt(buf []byte, off uint64) (int, error) {
	t.mu.Lock()
	size := t.size
	t.mu.Unlock()
	if off >= size {
		return 0, nil
	}
	want := uint64(len(buf))
	if off+want > size {
		want = size - off
	}

	var n uint64
	for n < want {
		pos := off + n
		leafIdx := leafIndex(pos)
		inLeaf := leafOffset(pos)
		chunk := uint64(layout.PayloadSize - inLeaf)
		remaining := want - n
		if chunk > remaining {
			chunk = remaining
		}

		leaf, release, present, err := t.descendToLeaf(leafIdx)
		if err != nil {
			return int(n), withTreePosition(err, pos)
		}
		if present {
			copy(buf[n:n+chunk], leaf[inLeaf:uint64(inLeaf)+chunk])
			release()
		} else {
			for i := uint64(0); i < chunk; i++ {
				buf[n+i] = 0
			}
		}
		n += chunk
	}
	return int(n), nil
}
