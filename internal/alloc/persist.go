package alloc

import (
	"encoding/binary"

	"github.com/vefscore/vefs/errs"
)

// EncodeFreeList serializes the free list and leaked-id set into the
// self-describing binary form persisted in the free-sector
// pseudo-file (spec §3 "free-sector set").
func (a *Allocator) EncodeFreeList() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := []uint64(*a.free)
	leaked := make([]uint64, 0, len(a.leaked))
	for id := range a.leaked {
		leaked = append(leaked, id)
	}

	buf := make([]byte, 0, 16+8*(len(free)+len(leaked)))
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(len(free)))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(leaked)))
	buf = append(buf, hdr[:]...)
	for _, id := range free {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], id)
		buf = append(buf, b[:]...)
	}
	for _, id := range leaked {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], id)
		buf = append(buf, b[:]...)
	}
	return buf
}

// DecodeFreeList parses the encoding produced by EncodeFreeList.
func DecodeFreeList(buf []byte) (free []uint64, leaked []uint64, err error) {
	if len(buf) < 16 {
		if len(buf) == 0 {
			return nil, nil, nil
		}
		return nil, nil, errs.New(errs.FreeSectorIndexInvalidSize, "free-sector list header truncated")
	}
	nFree := binary.LittleEndian.Uint64(buf[0:8])
	nLeaked := binary.LittleEndian.Uint64(buf[8:16])
	want := 16 + 8*(nFree+nLeaked)
	if uint64(len(buf)) != want {
		return nil, nil, errs.New(errs.FreeSectorIndexInvalidSize, "free-sector list size mismatch: want %d got %d", want, len(buf))
	}
	off := 16
	free = make([]uint64, nFree)
	for i := range free {
		free[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	leaked = make([]uint64, nLeaked)
	for i := range leaked {
		leaked[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return free, leaked, nil
}

// RestoreLeaked re-marks ids as leaked, used when loading a persisted
// free list on archive open.
func (a *Allocator) RestoreLeaked(ids []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.leaked[id] = struct{}{}
	}
}
