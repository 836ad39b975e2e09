// Package vfsindex implements the archive's path -> file descriptor
// map (spec §4.7), itself persisted as an ordinary sector tree under a
// reserved file id, alongside the free-sector set under a second
// reserved id. Grounded on the teacher's PrivateKeyContainer interface
// shape (container.go: Reset/Initialized/GetSubTree/FlushSubTree)
// generalized from "one key's subtree cache" to "every file's
// descriptor, addressed by path".
package vfsindex

import "github.com/google/uuid"

// freeSectorFileID and indexFileID are the two sector-tree identities
// baked permanently into the format (spec §9 open question "are
// free_block_index/archive_index literal file ids or a separate
// concept" — resolved here as literal, fixed file ids, never to
// change for on-disk compatibility). Any real file id a caller
// supplies must differ from both.
var (
	freeSectorFileID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	indexFileID      = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// FreeSectorFileID returns the reserved file id under which the
// archive's free-sector set is stored.
func FreeSectorFileID() [16]byte { return uuidBytes(freeSectorFileID) }

// IndexFileID returns the reserved file id under which the vfsindex
// itself is stored.
func IndexFileID() [16]byte { return uuidBytes(indexFileID) }

func uuidBytes(u uuid.UUID) [16]byte {
	var out [16]byte
	copy(out[:], u[:])
	return out
}

// Reserved reports whether id names one of the two fixed pseudo-files,
// which callers must never allow a user-visible path to resolve to.
func Reserved(id [16]byte) bool {
	return id == FreeSectorFileID() || id == IndexFileID()
}
