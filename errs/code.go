// Package errs defines the stable error taxonomy returned across the
// vefs package boundary.
package errs

// Code identifies the kind of failure a vefs operation returned.  Codes
// are part of the library's stable surface: callers may switch on them.
type Code uint8

const (
	Unknown Code = iota

	InvalidPrefix
	OversizedStaticHeader
	NoArchiveHeader
	IdenticalHeaderVersion
	TagMismatch
	InvalidProto
	IncompatibleProto
	SectorReferenceOutOfRange
	CorruptIndexEntry
	IndexEntrySpanningBlocks
	FreeSectorIndexInvalidSize
	UnknownFormatVersion
	NoSuchFile
	WrongUserPRK
	VFilesystemEntrySerializationFailed
	VFilesystemInvalidSize
	ResourceExhausted
	StillInUse
	NotLoaded

	// ResultOutOfRange is raised when an offset or size would address a
	// byte beyond payloadSize * referencesPerSector^maxTreeDepth.
	ResultOutOfRange
)
