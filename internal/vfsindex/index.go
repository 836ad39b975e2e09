package vfsindex

import (
	"encoding/binary"
	"sync"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/alloc"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/sectordev"
	"github.com/vefscore/vefs/internal/sectree"
)

// contentLengthSize is the width of the little-endian length prefix
// that records how many of the backing tree's bytes are real entries,
// as opposed to the zero padding Commit adds to round the tree up to a
// whole number of sectors.
const contentLengthSize = 8

// paddedSize rounds n up to the next multiple of the sector payload
// size (the index file's size is kept a multiple of payload_size, end-
// padded with zeros).
func paddedSize(n uint64) uint64 {
	rem := n % layout.PayloadSize
	if rem == 0 {
		return n
	}
	return n + (layout.PayloadSize - rem)
}

// Index is the archive-wide path -> Entry map, itself persisted as an
// ordinary sector tree under the reserved indexFileID (spec §4.7). It
// keeps the full map resident in memory and rewrites it whole on
// Commit; this is simpler than a true on-disk B-tree of entries and
// is adequate for the entry counts a single archive's namespace holds.
type Index struct {
	mu      sync.RWMutex
	tree    *sectree.Tree
	fctx    *filecrypto.Context
	entries map[string]Entry
	dirty   bool
}

// Open loads the vfsindex from dev, constructing its backing tree from
// the persisted root descriptor (use sectree.Empty for a freshly
// created archive).
func Open(dev *sectordev.Device, cache *sectree.Cache, allocator *alloc.Allocator, desc sectree.Descriptor, counter filecrypto.WriteCounter) (*Index, error) {
	fctx := filecrypto.New(IndexFileID(), [32]byte{}, dev.MasterSecret())
	fctx.SetCounter(counter)
	tree := sectree.New(dev, cache, allocator, fctx, desc)

	idx := &Index{tree: tree, fctx: fctx, entries: make(map[string]Entry)}
	size := tree.Size()
	if size == 0 {
		return idx, nil
	}
	if size < contentLengthSize {
		return nil, errs.New(errs.VFilesystemEntrySerializationFailed, "vfsindex file too short for its length header: %d bytes", size)
	}

	header := make([]byte, contentLengthSize)
	if _, err := tree.ReadAt(header, 0); err != nil {
		return nil, errs.Wrap(errs.VFilesystemEntrySerializationFailed, err, "failed to read vfsindex length header")
	}
	contentLen := binary.LittleEndian.Uint64(header)
	if contentLengthSize+contentLen > size {
		return nil, errs.New(errs.VFilesystemEntrySerializationFailed, "vfsindex content length %d exceeds file size %d", contentLen, size)
	}

	buf := make([]byte, contentLen)
	if contentLen > 0 {
		if _, err := tree.ReadAt(buf, contentLengthSize); err != nil {
			return nil, errs.Wrap(errs.VFilesystemEntrySerializationFailed, err, "failed to read vfsindex contents")
		}
	}
	for off := uint64(0); off < contentLen; {
		path, e, n, err := decodeEntry(buf[off:])
		if err != nil {
			return nil, err
		}
		idx.entries[path] = e
		off += uint64(n)
	}
	return idx, nil
}

// Query returns the Entry stored at path, or errs.NoSuchFile.
func (idx *Index) Query(path string) (Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[path]
	if !ok {
		return Entry{}, errs.New(errs.NoSuchFile, "no such file: %s", path)
	}
	return e, nil
}

// List returns every path currently present.
func (idx *Index) List() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.entries))
	for p := range idx.entries {
		out = append(out, p)
	}
	return out
}

// Put inserts or replaces path's Entry.
func (idx *Index) Put(path string, e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[path] = e
	idx.dirty = true
}

// Erase removes path, returning errs.NoSuchFile if it was not present.
func (idx *Index) Erase(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.entries[path]; !ok {
		return errs.New(errs.NoSuchFile, "no such file: %s", path)
	}
	delete(idx.entries, path)
	idx.dirty = true
	return nil
}

// PurgeCorruption drops path unconditionally, used when the archive
// handle detects the file's own tree failed authentication and elects
// to forget it rather than surface the corruption on every future
// query (spec §8 scenario 4).
func (idx *Index) PurgeCorruption(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, path)
	idx.dirty = true
}

// Commit serializes the whole map back into the backing tree if it
// changed since the last commit, and returns the tree's Descriptor and
// the index file context's current counter for the caller (the
// archive handle) to fold into the next archive header commit.
func (idx *Index) Commit() (sectree.Descriptor, filecrypto.WriteCounter, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.dirty {
		return idx.tree.Descriptor(), idx.fctx.Counter(), nil
	}

	if len(idx.entries) == 0 {
		if err := idx.tree.Truncate(0); err != nil {
			return sectree.Descriptor{}, filecrypto.WriteCounter{}, err
		}
		desc, err := idx.tree.Commit()
		if err != nil {
			return sectree.Descriptor{}, filecrypto.WriteCounter{}, err
		}
		idx.dirty = false
		return desc, idx.fctx.Counter(), nil
	}

	var entries []byte
	for path, e := range idx.entries {
		entries = append(entries, encodeEntry(path, e)...)
	}
	header := make([]byte, contentLengthSize)
	binary.LittleEndian.PutUint64(header, uint64(len(entries)))
	buf := append(header, entries...)

	// The index file's size is kept a whole number of sectors, end-
	// padded with zeros; the length header above is what lets Open tell
	// real entries apart from that padding on reopen.
	if err := idx.tree.Truncate(paddedSize(uint64(len(buf)))); err != nil {
		return sectree.Descriptor{}, filecrypto.WriteCounter{}, err
	}
	if err := idx.tree.WriteAt(buf, 0); err != nil {
		return sectree.Descriptor{}, filecrypto.WriteCounter{}, err
	}
	desc, err := idx.tree.Commit()
	if err != nil {
		return sectree.Descriptor{}, filecrypto.WriteCounter{}, err
	}
	idx.dirty = false
	return desc, idx.fctx.Counter(), nil
}
