package sectree

import (
	"encoding/binary"

	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
)

// reference is one interior sector's entry: the child's sector id, the
// MAC authenticating it (chained from parent to child rather than
// stored in the child's own trailer, spec §3 invariant 2), and the low
// 64 bits of the write counter the child was last sealed under, needed
// to re-derive its key material on read.
type reference struct {
	sectorID   uint64
	mac        [16]byte
	counterLo  uint64
}

func (r reference) empty() bool { return r.sectorID == 0 }

// getReference reads entry idx out of an interior sector's decrypted
// payload.
func getReference(payload []byte, idx int) reference {
	off := idx * layout.ReferenceEntrySize
	var r reference
	r.sectorID = binary.LittleEndian.Uint64(payload[off : off+8])
	copy(r.mac[:], payload[off+8:off+24])
	r.counterLo = binary.LittleEndian.Uint64(payload[off+24 : off+32])
	return r
}

// putReference writes entry idx into an interior sector's payload.
func putReference(payload []byte, idx int, r reference) {
	off := idx * layout.ReferenceEntrySize
	binary.LittleEndian.PutUint64(payload[off:off+8], r.sectorID)
	copy(payload[off+8:off+24], r.mac[:])
	binary.LittleEndian.PutUint64(payload[off+24:off+32], r.counterLo)
}

func (r reference) counter() filecrypto.WriteCounter {
	return filecrypto.CounterFromLo(r.counterLo)
}
