package vfsindex

import (
	"encoding/binary"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/sectree"
)

// Entry is one file's complete persisted identity: its crypto key
// material and the root of its sector tree. The vfsindex maps a path
// string to exactly one Entry.
type Entry struct {
	FileID     [16]byte
	Secret     [32]byte
	CounterHi  uint64
	CounterLo  uint64
	Mode       uint8 // bit 0 = readable, bit 1 = writable (spec §3 "allowed_modes")
	Descriptor sectree.Descriptor
}

// encodedEntrySize is the fixed on-wire size of one entry, excluding
// its variable-length path.
const encodedEntrySize = 16 + 32 + 8 + 8 + 1 + (8 + 16 + 8 + 1 + 8)

func encodeEntry(path string, e Entry) []byte {
	pathBytes := []byte(path)
	buf := make([]byte, 2+len(pathBytes)+encodedEntrySize)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	off += len(pathBytes)

	copy(buf[off:], e.FileID[:])
	off += 16
	copy(buf[off:], e.Secret[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], e.CounterHi)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.CounterLo)
	off += 8
	buf[off] = e.Mode
	off++
	binary.LittleEndian.PutUint64(buf[off:], e.Descriptor.RootSectorID)
	off += 8
	copy(buf[off:], e.Descriptor.RootMAC[:])
	off += 16
	binary.LittleEndian.PutUint64(buf[off:], e.Descriptor.RootCounterLo)
	off += 8
	buf[off] = byte(e.Descriptor.Depth)
	off++
	binary.LittleEndian.PutUint64(buf[off:], e.Descriptor.Size)
	off += 8
	return buf
}

// decodeEntry parses one entry starting at the front of buf, returning
// the path, the entry, and the number of bytes consumed.
func decodeEntry(buf []byte) (string, Entry, int, error) {
	if len(buf) < 2 {
		return "", Entry{}, 0, errs.New(errs.CorruptIndexEntry, "vfsindex entry truncated before path length")
	}
	pathLen := int(binary.LittleEndian.Uint16(buf))
	need := 2 + pathLen + encodedEntrySize
	if len(buf) < need {
		return "", Entry{}, 0, errs.New(errs.CorruptIndexEntry, "vfsindex entry truncated: want %d bytes, have %d", need, len(buf))
	}
	off := 2
	path := string(buf[off : off+pathLen])
	off += pathLen

	var e Entry
	copy(e.FileID[:], buf[off:off+16])
	off += 16
	copy(e.Secret[:], buf[off:off+32])
	off += 32
	e.CounterHi = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.CounterLo = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Mode = buf[off]
	off++
	e.Descriptor.RootSectorID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(e.Descriptor.RootMAC[:], buf[off:off+16])
	off += 16
	e.Descriptor.RootCounterLo = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Descriptor.Depth = int8(buf[off])
	off++
	e.Descriptor.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	return path, e, need, nil
}
