package sectree_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vefscore/vefs/internal/alloc"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/pagecache"
	"github.com/vefscore/vefs/internal/sectordev"
	"github.com/vefscore/vefs/internal/sectree"
	"github.com/vefscore/vefs/internal/vcrypto"
)

func newHarness(t *testing.T) (*sectordev.Device, *sectree.Cache, *alloc.Allocator, *filecrypto.Context) {
	t.Helper()
	dir := t.TempDir()
	crypto := vcrypto.NewAESGCM()
	prk := bytes.Repeat([]byte{0x42}, 32)

	dev, err := sectordev.Open(dir+"/archive.vefs", prk, sectordev.CreateNew, crypto)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	cache := pagecache.New[uint64, []byte](64, func(k uint64) uint64 { return k })
	allocator := alloc.New(dev, nil)

	var fileID [16]byte
	fileID[0] = 1
	var secret [32]byte
	secret[0] = 7
	fctx := filecrypto.New(fileID, secret, dev.MasterSecret())

	return dev, cache, allocator, fctx
}

func TestTreeWriteReadWithinSingleLeaf(t *testing.T) {
	dev, cache, allocator, fctx := newHarness(t)
	tr := sectree.New(dev, cache, allocator, fctx, sectree.Empty)

	payload := []byte("hello, sector tree")
	require.NoError(t, tr.WriteAt(payload, 10))

	desc, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, int8(0), desc.Depth)
	require.EqualValues(t, 10+len(payload), desc.Size)

	got := make([]byte, len(payload))
	n, err := tr.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)

	// Reopen from the persisted descriptor against the same device and
	// cache, as the archive handle would after a restart.
	reopened := sectree.New(dev, cache, allocator, fctx, desc)
	got2 := make([]byte, len(payload))
	_, err = reopened.ReadAt(got2, 10)
	require.NoError(t, err)
	require.Equal(t, payload, got2)
}

func TestTreeSparseHoleReadsZero(t *testing.T) {
	dev, cache, allocator, fctx := newHarness(t)
	tr := sectree.New(dev, cache, allocator, fctx, sectree.Empty)

	// Writing into the second leaf grows the tree to depth 1 and leaves
	// the first leaf an unallocated hole.
	tail := []byte("second leaf data")
	require.NoError(t, tr.WriteAt(tail, layout.PayloadSize+100))
	desc, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, int8(1), desc.Depth)

	hole := make([]byte, 64)
	for i := range hole {
		hole[i] = 0xff
	}
	n, err := tr.ReadAt(hole, 5)
	require.NoError(t, err)
	require.Equal(t, 64, n)
	for _, b := range hole {
		require.Zero(t, b)
	}

	got := make([]byte, len(tail))
	_, err = tr.ReadAt(got, layout.PayloadSize+100)
	require.NoError(t, err)
	require.Equal(t, tail, got)

	extents, err := tr.Extents()
	require.NoError(t, err)
	require.Len(t, extents, 1)
	require.EqualValues(t, layout.PayloadSize, extents[0].Start)
}

func TestTreeTruncateShrinkThenGrowZeroFills(t *testing.T) {
	dev, cache, allocator, fctx := newHarness(t)
	tr := sectree.New(dev, cache, allocator, fctx, sectree.Empty)

	full := bytes.Repeat([]byte{0xAB}, 256)
	require.NoError(t, tr.WriteAt(full, 0))
	_, err := tr.Commit()
	require.NoError(t, err)

	require.NoError(t, tr.Truncate(100))
	_, err = tr.Commit()
	require.NoError(t, err)
	require.EqualValues(t, 100, tr.Size())

	require.NoError(t, tr.Truncate(256))
	_, err = tr.Commit()
	require.NoError(t, err)

	tail := make([]byte, 156)
	_, err = tr.ReadAt(tail, 100)
	require.NoError(t, err)
	for _, b := range tail {
		require.Zero(t, b)
	}

	head := make([]byte, 100)
	_, err = tr.ReadAt(head, 0)
	require.NoError(t, err)
	require.Equal(t, full[:100], head)
}

func TestTreeTruncateToZeroFreesEverything(t *testing.T) {
	dev, cache, allocator, fctx := newHarness(t)
	tr := sectree.New(dev, cache, allocator, fctx, sectree.Empty)

	require.NoError(t, tr.WriteAt(bytes.Repeat([]byte{1}, 64), layout.PayloadSize*2))
	_, err := tr.Commit()
	require.NoError(t, err)
	require.Greater(t, dev.Size(), uint64(1))

	require.NoError(t, tr.Truncate(0))
	desc, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, int8(-1), desc.Depth)
	require.EqualValues(t, 0, desc.Size)
	require.NotEmpty(t, allocator.FreeIDs())
}
