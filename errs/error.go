package errs

import "fmt"

// Detail carries structured context about the operation that failed.
// Any field may be zero-valued when not applicable.
type Detail struct {
	FileID       [16]byte
	HaveFileID   bool
	SectorID     uint64
	HaveSectorID bool
	TreePosition uint64
	HaveTreePos  bool
}

// Error is the single result/error type returned across the vefs
// package boundary.  It always carries a taxonomy Code; Inner, when
// present, is the lower-level cause (an I/O error, a decode error, ...).
type Error struct {
	code   Code
	msg    string
	inner  error
	detail Detail
	locked bool
}

func (e *Error) Error() string {
	if e.inner != nil {
		return fmt.Sprintf("%s: %s: %s", e.code, e.msg, e.inner.Error())
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Code returns the stable taxonomy identifier for this error.
func (e *Error) Code() Code { return e.code }

// Inner returns the wrapped lower-level cause, if any.
func (e *Error) Inner() error { return e.inner }

// Detail returns the structured context attached to this error.
func (e *Error) Detail() Detail { return e.detail }

// Locked reports whether this error is because a resource (such as the
// archive's lockfile) was already held by another process.
func (e *Error) Locked() bool { return e.locked }

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.inner }

// New creates a new Error with the given code and message.
func New(code Code, format string, a ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap creates a new Error with the given code, wrapping a lower-level
// cause.
func Wrap(code Code, err error, format string, a ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), inner: err}
}

// WithFileID returns a copy of e with the file id detail set.
func (e *Error) WithFileID(id [16]byte) *Error {
	c := *e
	c.detail.FileID = id
	c.detail.HaveFileID = true
	return &c
}

// WithSectorID returns a copy of e with the sector id detail set.
func (e *Error) WithSectorID(id uint64) *Error {
	c := *e
	c.detail.SectorID = id
	c.detail.HaveSectorID = true
	return &c
}

// WithTreePosition returns a copy of e with the tree position detail set.
func (e *Error) WithTreePosition(pos uint64) *Error {
	c := *e
	c.detail.TreePosition = pos
	c.detail.HaveTreePos = true
	return &c
}

// Locked marks e as a resource-already-locked error, matching the
// teacher's Locked() convention for lockfile contention.
func Locked(e *Error) *Error {
	c := *e
	c.locked = true
	return &c
}

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.code == code
}
