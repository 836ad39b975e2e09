package sectree

import (
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
)

// Extent describes one contiguous allocated run of bytes, in leaf
// granularity: [Start, Start+Length) is backed by allocated leaf
// sectors, as opposed to a sparse hole that ReadAt would zero-fill. A
// leaf written since the last Commit counts as allocated even though
// it is not yet sealed on disk.
type Extent struct {
	Start  uint64
	Length uint64
}

// Extents enumerates every allocated leaf as a run of extents (spec
// §4.5 "extent": report which byte ranges are backed by real sectors
// rather than sparse holes). It walks the whole tree, which is
// O(sectors); callers needing this on a hot path should cache the
// result alongside their own dirty-tracking invalidation.
func (t *Tree) Extents() ([]Extent, error) {
	t.mu.Lock()
	depth, root, rootMAC, rootCounter, size := t.depth, t.root, t.rootMAC, t.rootCounter, t.size
	t.mu.Unlock()

	if depth < 0 || size == 0 {
		return nil, nil
	}
	leaves := (size + layout.PayloadSize - 1) / layout.PayloadSize

	present := make([]bool, leaves)
	if depth == 0 {
		present[0] = true
	} else if err := t.markPresentLeaves(root, rootMAC, rootCounter, depth, 0, leaves, present); err != nil {
		return nil, err
	}

	var out []Extent
	for i, ok := range present {
		if !ok {
			continue
		}
		start := uint64(i) * layout.PayloadSize
		if n := len(out); n > 0 && out[n-1].Start+out[n-1].Length == start {
			out[n-1].Length += layout.PayloadSize
			continue
		}
		out = append(out, Extent{Start: start, Length: layout.PayloadSize})
	}
	return out, nil
}

func (t *Tree) markPresentLeaves(sectorID uint64, mac [16]byte, counter filecrypto.WriteCounter, level int8, base, leaves uint64, present []bool) error {
	h, err := t.pinExisting(sectorID, mac, counter)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), *h.Value()...)
	h.Release()

	childSpan := capacityLeaves(level - 1)
	for off := 0; off < layout.ReferencesPerSector; off++ {
		ref := getReference(buf, off)
		if ref.empty() {
			continue
		}
		childBase := base + uint64(off)*childSpan
		if childBase >= leaves {
			continue
		}
		if level-1 == 0 {
			present[childBase] = true
			continue
		}
		if err := t.markPresentLeaves(ref.sectorID, ref.mac, ref.counter(), level-1, childBase, leaves, present); err != nil {
			return err
		}
	}
	return nil
}
