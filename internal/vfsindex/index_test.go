package vfsindex_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/alloc"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/pagecache"
	"github.com/vefscore/vefs/internal/sectordev"
	"github.com/vefscore/vefs/internal/sectree"
	"github.com/vefscore/vefs/internal/vcrypto"
	"github.com/vefscore/vefs/internal/vfsindex"
)

func newIndexHarness(t *testing.T) (*sectordev.Device, *sectree.Cache, *alloc.Allocator) {
	t.Helper()
	dir := t.TempDir()
	crypto := vcrypto.NewAESGCM()
	prk := bytes.Repeat([]byte{0x11}, 32)

	dev, err := sectordev.Open(dir+"/archive.vefs", prk, sectordev.CreateNew, crypto)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	cache := pagecache.New[uint64, []byte](64, func(k uint64) uint64 { return k })
	allocator := alloc.New(dev, nil)
	return dev, cache, allocator
}

func TestIndexPutQueryCommitRoundTrip(t *testing.T) {
	dev, cache, allocator := newIndexHarness(t)

	idx, err := vfsindex.Open(dev, cache, allocator, sectree.Empty, filecrypto.WriteCounter{})
	require.NoError(t, err)

	var fileID [16]byte
	fileID[15] = 9
	entry := vfsindex.Entry{
		FileID: fileID,
		Descriptor: sectree.Descriptor{
			Depth: 0,
			Size:  42,
		},
	}
	idx.Put("/docs/readme.txt", entry)

	desc, counter, err := idx.Commit()
	require.NoError(t, err)
	require.GreaterOrEqual(t, desc.Size, uint64(0))

	reopened, err := vfsindex.Open(dev, cache, allocator, desc, counter)
	require.NoError(t, err)

	got, err := reopened.Query("/docs/readme.txt")
	require.NoError(t, err)
	require.Equal(t, fileID, got.FileID)
	require.EqualValues(t, 42, got.Descriptor.Size)

	_, err = reopened.Query("/missing")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NoSuchFile))
}

func TestIndexEraseAndPurgeCorruption(t *testing.T) {
	dev, cache, allocator := newIndexHarness(t)

	idx, err := vfsindex.Open(dev, cache, allocator, sectree.Empty, filecrypto.WriteCounter{})
	require.NoError(t, err)

	idx.Put("/a", vfsindex.Entry{})
	idx.Put("/b", vfsindex.Entry{})
	_, _, err = idx.Commit()
	require.NoError(t, err)

	require.NoError(t, idx.Erase("/a"))
	require.Len(t, idx.List(), 1)

	idx.PurgeCorruption("/b")
	require.Empty(t, idx.List())

	err = idx.Erase("/does-not-exist")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NoSuchFile))
}
