package vefs

// FileMode is the small allowed_modes bitmask a file descriptor
// carries alongside its tree state (spec §3 "+ Supplemented" file
// descriptors additionally carry readable/writable bits, echoed back
// by Query).
type FileMode uint8

const (
	ModeRead FileMode = 1 << iota
	ModeWrite
)

// Readable reports whether m permits reads.
func (m FileMode) Readable() bool { return m&ModeRead != 0 }

// Writable reports whether m permits writes.
func (m FileMode) Writable() bool { return m&ModeWrite != 0 }
