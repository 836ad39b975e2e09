package sectordev

import (
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/vcrypto"
)

// PurgeCorruption opens the archive at path and, if the physical file
// is longer than the size recorded by the last authenticated dynamic
// header (meaning sectors were appended after the last successful
// commit — e.g. a crash mid-growth, before UpdateHeader ran), trims
// the file back down to the header's declared size. Those trailing
// sectors were never referenced by any authenticated header, so they
// cannot be distinguished from garbage by any other means than their
// position past the last commit.
//
// File-level corruption (a committed sector that fails its tag) is
// handled one layer up, by the archive handle, which alone knows which
// vfsindex entries are affected.
func PurgeCorruption(path string, userPRK []byte, crypto vcrypto.Provider) (*Device, error) {
	d, err := Open(path, userPRK, OpenExisting, crypto)
	if err != nil {
		return nil, err
	}

	declared := d.header.nextSectorID
	if declared < layout.FirstDataSectorID {
		declared = layout.FirstDataSectorID
	}
	if d.nSectors > declared {
		if err := d.Resize(declared); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}
