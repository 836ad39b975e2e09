package vefs_test

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vefscore/vefs"
	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/vcrypto"
	"github.com/vefscore/vefs/internal/workpool"
)

func openNew(t *testing.T, prk []byte) (*vefs.Archive, string) {
	t.Helper()
	path := t.TempDir() + "/archive.vefs"
	a, err := vefs.Open(path, prk, vefs.OpenOptions{Create: true})
	require.NoError(t, err)
	return a, path
}

// Scenario 1 (spec §8): write one file, commit, close, reopen, read
// back identical bytes.
func TestScenarioWriteCommitReopenRoundTrip(t *testing.T) {
	prk := bytes.Repeat([]byte{0xA5}, 32)
	a, path := openNew(t, prk)

	h, err := a.OpenFile("a/b", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, h.WriteAt(want, 0))
	require.NoError(t, h.Close())
	require.NoError(t, a.Commit())
	require.NoError(t, a.Close())

	a2, err := vefs.Open(path, prk, vefs.OpenOptions{})
	require.NoError(t, err)
	defer a2.Close()

	h2, err := a2.OpenFile("a/b", vefs.ModeRead, false)
	require.NoError(t, err)
	defer h2.Close()

	got := make([]byte, 10)
	n, err := h2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, want, got)
}

// Scenario 2 (spec §8): writing payload_size+1 bytes produces a
// depth-1 tree with two populated leaves.
func TestScenarioCrossLeafWriteGrowsDepth(t *testing.T) {
	prk := bytes.Repeat([]byte{0x11}, 32)
	a, _ := openNew(t, prk)
	defer a.Close()

	const payloadSize = 32736
	data := bytes.Repeat([]byte("B"), payloadSize+1)

	h, err := a.OpenFile("big", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)
	require.NoError(t, h.WriteAt(data, 0))
	require.NoError(t, a.Commit())

	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)

	extents, err := h.Extents()
	require.NoError(t, err)
	// The two leaves are adjacent, so Extents reports them as one run
	// spanning two whole leaves.
	require.Len(t, extents, 1)
	require.EqualValues(t, 2*payloadSize, extents[0].Length)
}

// Scenario 3 (spec §8): opening with the wrong user PRK fails with
// wrong_user_prk.
func TestScenarioWrongPRKRejected(t *testing.T) {
	prk := bytes.Repeat([]byte{0xA5}, 32)
	a, path := openNew(t, prk)
	require.NoError(t, a.Commit())
	require.NoError(t, a.Close())

	wrong := bytes.Repeat([]byte{0x5A}, 32)
	_, err := vefs.Open(path, wrong, vefs.OpenOptions{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.WrongUserPRK))
}

// Scenario 4 (spec §8): corrupting a sector yields tag_mismatch on
// read; purge_corruption then makes the path disappear.
func TestScenarioCorruptionPurged(t *testing.T) {
	prk := bytes.Repeat([]byte{0x33}, 32)
	a, path := openNew(t, prk)

	h, err := a.OpenFile("a/b", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)
	require.NoError(t, h.WriteAt([]byte("hello world"), 0))
	require.NoError(t, h.Close())
	require.NoError(t, a.Commit())
	require.NoError(t, a.Close())

	corruptSector(t, path)

	a2, err := vefs.Open(path, prk, vefs.OpenOptions{})
	require.NoError(t, err)
	defer a2.Close()

	h2, err := a2.OpenFile("a/b", vefs.ModeRead, false)
	require.NoError(t, err)
	buf := make([]byte, 11)
	_, err = h2.ReadAt(buf, 0)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.TagMismatch))

	a2.PurgeCorruption("a/b")
	_, err = a2.Query("a/b")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NoSuchFile))
}

// corruptSector flips one byte well past the static+dynamic header
// region, landing inside a data sector's payload.
func corruptSector(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	const headerRegion = 1 << 15
	info, err := f.Stat()
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(headerRegion+1))

	var b [1]byte
	_, err = f.ReadAt(b[:], headerRegion)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], headerRegion)
	require.NoError(t, err)
}

// Scenario 5 (spec §8): truncating a large file back down shrinks
// tree_depth to 0 and frees sectors.
func TestScenarioTruncateShrinksAndFreesSectors(t *testing.T) {
	prk := bytes.Repeat([]byte{0x77}, 32)
	a, path := openNew(t, prk)

	h, err := a.OpenFile("c", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)
	big := bytes.Repeat([]byte{0xCC}, 1<<20)
	require.NoError(t, h.WriteAt(big, 0))
	require.NoError(t, a.Commit())

	require.NoError(t, h.Truncate(100))
	require.NoError(t, a.Commit())
	require.NoError(t, h.Close())
	require.NoError(t, a.Close())

	a2, err := vefs.Open(path, prk, vefs.OpenOptions{})
	require.NoError(t, err)
	defer a2.Close()

	info, err := a2.Query("c")
	require.NoError(t, err)
	require.Equal(t, uint64(100), info.Size)

	h2, err := a2.OpenFile("c", vefs.ModeRead, false)
	require.NoError(t, err)
	defer h2.Close()
	extents, err := h2.Extents()
	require.NoError(t, err)
	require.LessOrEqual(t, len(extents), 1)

	require.Greater(t, a2.Stats().FreeSectors, 0)
}

// Scenario 6 (spec §8): concurrent writers on two distinct files with
// non-overlapping offsets don't corrupt each other.
func TestScenarioConcurrentDistinctFileWriters(t *testing.T) {
	prk := bytes.Repeat([]byte{0x99}, 32)
	a, _ := openNew(t, prk)
	defer a.Close()

	hx, err := a.OpenFile("x", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)
	hy, err := a.OpenFile("y", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)

	const iterations = 1000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			b := []byte(fmt.Sprintf("%08d", i))
			require.NoError(t, hx.WriteAt(b, uint64(i*8)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			b := []byte(fmt.Sprintf("%08d", i))
			require.NoError(t, hy.WriteAt(b, uint64(i*8)))
		}
	}()
	wg.Wait()
	require.NoError(t, a.Commit())

	for i := 0; i < iterations; i++ {
		want := []byte(fmt.Sprintf("%08d", i))
		gotX := make([]byte, 8)
		_, err := hx.ReadAt(gotX, uint64(i*8))
		require.NoError(t, err)
		require.Equal(t, want, gotX)

		gotY := make([]byte, 8)
		_, err = hy.ReadAt(gotY, uint64(i*8))
		require.NoError(t, err)
		require.Equal(t, want, gotY)
	}
}

// An archive can run against an alternate AEAD provider and an inline
// (synchronous) worker pool, not just the defaults.
func TestScenarioAlternateProviderAndInlinePool(t *testing.T) {
	prk := bytes.Repeat([]byte{0x22}, 32)
	path := t.TempDir() + "/archive.vefs"

	a, err := vefs.Open(path, prk, vefs.OpenOptions{
		Create: true,
		Crypto: vcrypto.NewChaCha20Poly1305(),
		Pool:   workpool.NewInline(),
	})
	require.NoError(t, err)
	defer a.Close()

	h, err := a.OpenFile("f", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)
	defer h.Close()

	want := []byte("chacha20-poly1305 round trip")
	require.NoError(t, h.WriteAt(want, 0))
	got := make([]byte, len(want))
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// Erase requires no outstanding handles.
func TestEraseRejectsWhileStillInUse(t *testing.T) {
	prk := bytes.Repeat([]byte{0x44}, 32)
	a, _ := openNew(t, prk)
	defer a.Close()

	h, err := a.OpenFile("f", vefs.ModeRead|vefs.ModeWrite, true)
	require.NoError(t, err)

	err = a.Erase("f")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.StillInUse))

	require.NoError(t, h.Close())
	require.NoError(t, a.Erase("f"))

	_, err = a.Query("f")
	require.True(t, errs.Is(err, errs.NoSuchFile))
}
