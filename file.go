package vefs

import (
	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/sectree"
	"github.com/vefscore/vefs/internal/vfsindex"
)

// FileHandle is an open reference to one archive path (spec §4.7
// "file_handle"). Multiple handles on the same path share the same
// underlying sector tree and crypto context; the archive tracks how
// many handles are outstanding so Erase can refuse a path that is
// still_in_use.
type FileHandle struct {
	archive *Archive
	path    string
	mode    FileMode
	closed  bool
}

// OpenFile opens path with the given mode, optionally creating it
// (spec §4.7 "open(path, mode) -> file_handle | no_such_file"). A
// freshly created file gets a random file_id and file key and starts
// as an empty sector tree (spec §4.7 "open with create-if-missing").
func (a *Archive) OpenFile(path string, mode FileMode, create bool) (*FileHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	of, ok := a.open[path]
	if !ok {
		entry, err := a.index.Query(path)
		if err != nil {
			if !errs.Is(err, errs.NoSuchFile) || !create {
				return nil, err
			}
			entry, err = a.createEntryLocked(path, mode)
			if err != nil {
				return nil, err
			}
		}
		fctx := filecrypto.New(entry.FileID, entry.Secret, a.dev.MasterSecret())
		fctx.SetCounter(filecrypto.CounterFromParts(entry.CounterHi, entry.CounterLo))
		tree := sectree.New(a.dev, a.cache, a.alloc, fctx, entry.Descriptor)
		of = &openFile{fileID: entry.FileID, secret: entry.Secret, mode: FileMode(entry.Mode), fctx: fctx, tree: tree}
		a.open[path] = of
	}
	of.refs++
	return &FileHandle{archive: a, path: path, mode: mode}, nil
}

// createEntryLocked allocates a fresh file_id/key pair and registers
// an empty-tree entry for path in the vfilesystem index. Caller holds
// a.mu.
func (a *Archive) createEntryLocked(path string, mode FileMode) (vfsindex.Entry, error) {
	id, err := a.newFileID()
	if err != nil {
		return vfsindex.Entry{}, err
	}
	var secret [32]byte
	if err := a.crypto.Random(secret[:]); err != nil {
		return vfsindex.Entry{}, errs.Wrap(errs.ResourceExhausted, err, "failed to generate file key for %s", path)
	}
	entry := vfsindex.Entry{
		FileID:     id,
		Secret:     secret,
		Mode:       uint8(mode),
		Descriptor: sectree.Empty,
	}
	a.index.Put(path, entry)
	return entry, nil
}

// Query reports a path's size and allowed modes without opening a
// handle (spec §4.7 "query(path) -> {allowed_modes, size}").
func (a *Archive) Query(path string) (FileInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if of, ok := a.open[path]; ok {
		return FileInfo{Size: of.tree.Size(), Mode: of.mode}, nil
	}
	entry, err := a.index.Query(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: entry.Descriptor.Size, Mode: FileMode(entry.Mode)}, nil
}

// FileInfo is the result of Query.
type FileInfo struct {
	Size uint64
	Mode FileMode
}

// Erase removes path from the vfilesystem, freeing every sector its
// tree owns (spec §4.7 "erase"). Fails with errs.StillInUse if any
// FileHandle on path is still open.
func (a *Archive) Erase(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if of, ok := a.open[path]; ok {
		if of.refs > 0 {
			return errs.New(errs.StillInUse, "file %s has %d open handle(s)", path, of.refs)
		}
		if err := of.tree.Truncate(0); err != nil {
			return err
		}
		delete(a.open, path)
	} else {
		entry, err := a.index.Query(path)
		if err != nil {
			return err
		}
		fctx := filecrypto.New(entry.FileID, entry.Secret, a.dev.MasterSecret())
		fctx.SetCounter(filecrypto.CounterFromParts(entry.CounterHi, entry.CounterLo))
		tree := sectree.New(a.dev, a.cache, a.alloc, fctx, entry.Descriptor)
		if err := tree.Truncate(0); err != nil {
			return err
		}
	}
	return a.index.Erase(path)
}

// PurgeCorruption forgets path's vfilesystem entry without attempting
// to read its tree, used once a caller has observed errs.TagMismatch
// reading it (spec §8 scenario 4: "purge_corruption removes the
// file's root; subsequent query yields no_such_file"). The sectors
// the corrupted tree held are leaked, not reclaimed: their true extent
// can't be trusted once one of their references failed authentication.
func (a *Archive) PurgeCorruption(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.Logf("vefs: purging corrupted entry %s", path)
	delete(a.open, path)
	a.index.PurgeCorruption(path)
}

// ReadAt reads into buf starting at byte offset off (spec §4.5
// "read"). Reads past the file's size return (0, nil). On a full read
// it fires a best-effort prefetch of the next leaf to the archive's
// worker pool (spec §4.8 "issuing prefetch tasks to the thread pool,
// strictly an optimization"); a dropped or failed prefetch never
// surfaces to the caller.
func (h *FileHandle) ReadAt(buf []byte, off uint64) (int, error) {
	of, err := h.openFile()
	if err != nil {
		return 0, err
	}
	if !h.mode.Readable() {
		return 0, errs.New(errs.NotLoaded, "handle on %s is not open for reading", h.path)
	}
	n, err := of.tree.ReadAt(buf, off)
	if err != nil && errs.Is(err, errs.TagMismatch) {
		log.Logf("vefs: tag mismatch reading %s at offset %d: %v", h.path, off, err)
	}
	if err == nil && n == len(buf) {
		h.prefetchNext(of, off+uint64(n))
	}
	return n, err
}

func (h *FileHandle) prefetchNext(of *openFile, nextOff uint64) {
	tree := of.tree
	h.archive.pool.Submit(func() error {
		size := tree.Size()
		if nextOff >= size {
			return nil
		}
		want := size - nextOff
		if want > layout.PayloadSize {
			want = layout.PayloadSize
		}
		_, err := tree.ReadAt(make([]byte, want), nextOff)
		return err
	})
}

// WriteAt writes buf at byte offset off, growing the file as needed
// (spec §4.5 "write").
func (h *FileHandle) WriteAt(buf []byte, off uint64) error {
	of, err := h.openFile()
	if err != nil {
		return err
	}
	if !h.mode.Writable() {
		return errs.New(errs.NotLoaded, "handle on %s is not open for writing", h.path)
	}
	if err := of.tree.WriteAt(buf, off); err != nil {
		if errs.Is(err, errs.TagMismatch) {
			log.Logf("vefs: tag mismatch writing %s at offset %d: %v", h.path, off, err)
		}
		return err
	}
	return nil
}

// Truncate resizes the file to exactly size bytes (spec §4.5
// "truncate").
func (h *FileHandle) Truncate(size uint64) error {
	of, err := h.openFile()
	if err != nil {
		return err
	}
	if !h.mode.Writable() {
		return errs.New(errs.NotLoaded, "handle on %s is not open for writing", h.path)
	}
	return of.tree.Truncate(size)
}

// Size returns the file's current logical length.
func (h *FileHandle) Size() (uint64, error) {
	of, err := h.openFile()
	if err != nil {
		return 0, err
	}
	return of.tree.Size(), nil
}

// Extents reports the file's allocated byte ranges (spec §4.5
// "extent").
func (h *FileHandle) Extents() ([]sectree.Extent, error) {
	of, err := h.openFile()
	if err != nil {
		return nil, err
	}
	return of.tree.Extents()
}

// Close releases this handle's reference. It does not itself flush or
// commit; the file's in-memory tree state (dirty or not) stays
// resident in the archive until Commit runs.
func (h *FileHandle) Close() error {
	h.archive.mu.Lock()
	defer h.archive.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if of, ok := h.archive.open[h.path]; ok && of.refs > 0 {
		of.refs--
	}
	return nil
}

func (h *FileHandle) openFile() (*openFile, error) {
	h.archive.mu.RLock()
	defer h.archive.mu.RUnlock()
	if h.closed {
		return nil, errs.New(errs.NotLoaded, "handle on %s is closed", h.path)
	}
	of, ok := h.archive.open[h.path]
	if !ok {
		return nil, errs.New(errs.NoSuchFile, "no such file: %s", h.path)
	}
	return of, nil
}
