// Package sectree implements the per-file sector tree (spec §4.5): a
// B-tree-shaped index of encrypted sectors supporting sparse
// random-access I/O with deterministic addressing and reference-MAC
// chaining. Grounded on the teacher's deterministic tree-address type
// (address.go: an [8]uint32 selecting layer/tree/OTS-chain/hash
// position) generalized from a fixed-height Merkle authentication path
// to a variable-height (-1..4), base-1016 addressed tree.
package sectree

import "github.com/vefscore/vefs/internal/layout"

// leafIndex returns the leaf position addressed by byte offset pos.
func leafIndex(pos uint64) uint64 { return pos / layout.PayloadSize }

// leafOffset returns the byte offset within a leaf addressed by pos.
func leafOffset(pos uint64) int { return int(pos % layout.PayloadSize) }

// capacityLeaves returns how many leaves a tree of the given depth can
// address. depth -1 (empty) has zero capacity.
func capacityLeaves(depth int8) uint64 {
	if depth < 0 {
		return 0
	}
	cap := uint64(1)
	for i := int8(0); i < depth; i++ {
		cap *= layout.ReferencesPerSector
	}
	return cap
}

// requiredDepth returns the smallest depth whose capacity holds
// neededLeaves leaves (spec §3 invariant: "tree_depth is the smallest
// d such that payload_size * 1016^d >= size").
func requiredDepth(neededLeaves uint64) (int8, error) {
	if neededLeaves == 0 {
		return -1, nil
	}
	var d int8 = 0
	cap := uint64(1)
	for cap < neededLeaves {
		if d >= layout.MaxTreeDepth {
			return 0, errResultOutOfRange
		}
		cap *= layout.ReferencesPerSector
		d++
	}
	return d, nil
}

// offsetAt returns o_level, the reference-sector entry index selecting
// the child on the path to leafIdx at the given interior level
// (0 = the interior sector immediately above the leaf).
func offsetAt(leafIdx uint64, level int8) int {
	divisor := uint64(1)
	for i := int8(0); i < level; i++ {
		divisor *= layout.ReferencesPerSector
	}
	return int((leafIdx / divisor) % layout.ReferencesPerSector)
}

// path is the full root-to-leaf sequence of offsets for a tree of the
// given depth addressing leafIdx, ordered from the root's own
// selection (path[0]) down to the lowest interior sector's selection
// of the leaf (path[len-1]).
func path(leafIdx uint64, depth int8) []int {
	if depth <= 0 {
		return nil
	}
	out := make([]int, depth)
	for i := int8(0); i < depth; i++ {
		level := depth - 1 - i
		out[i] = offsetAt(leafIdx, level)
	}
	return out
}
