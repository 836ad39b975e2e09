// Package alloc implements the sector allocator and free-sector
// tracking (spec §4.3). Grounded on the teacher's uint32Heap
// (misc.go), used there as cacheFreeIdx — a min-heap of recyclable
// indices — generalized here from a 32-bit cache-slot index to a
// 64-bit physical sector id, plus the durability ordering the teacher
// doesn't need (subtree cache slots are not committed in lockstep with
// a dual header).
package alloc

import (
	"container/heap"
	"sync"

	"github.com/vefscore/vefs/errs"
)

// Grower is satisfied by the sector device: Reallocate falls back to
// extending the archive by one sector when the free list is empty.
type Grower interface {
	Size() uint64
	Resize(nSectors uint64) error
}

// Allocator owns the in-memory free list and the leak bookkeeping
// (spec §4.3). It is safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	free     *idHeap
	leaked   map[uint64]struct{}
	grower   Grower
}

// New constructs an Allocator backed by grower, seeded with the given
// free sector ids (as recovered from the free-sector pseudo-file on
// open, or empty for a freshly created archive).
func New(grower Grower, freeIDs []uint64) *Allocator {
	h := idHeap(append([]uint64(nil), freeIDs...))
	heap.Init(&h)
	return &Allocator{free: &h, leaked: make(map[uint64]struct{}), grower: grower}
}

// Reallocate returns currentID unchanged if it already names a valid
// sector (currentID != 0, i.e. already allocated); otherwise it pops a
// recycled id from the free list, or extends the archive by one sector
// via the grower (spec §4.3 "reallocate").
func (a *Allocator) Reallocate(currentID uint64) (uint64, error) {
	if currentID != 0 {
		return currentID, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free.Len() > 0 {
		return heap.Pop(a.free).(uint64), nil
	}
	next := a.grower.Size()
	if err := a.grower.Resize(next + 1); err != nil {
		return 0, errs.Wrap(errs.ResourceExhausted, err, "failed to extend archive for new sector")
	}
	return next, nil
}

// ReserveN reserves exactly n fresh sector ids up-front for a single
// tree mutation, so the mutation itself becomes infallible with
// respect to allocation once it begins (spec §4.3 "preallocation
// handle"). Reserved ids are removed from the free list immediately;
// callers that abort a mutation must call Release on any unused ids.
func (a *Allocator) ReserveN(n int) ([]uint64, error) {
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.Reallocate(0)
		if err != nil {
			a.Release(ids)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Release returns unused reserved ids to the free list (used when a
// tree mutation aborts before consuming every reserved sector).
func (a *Allocator) Release(ids []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		heap.Push(a.free, id)
	}
}

// DeallocOne pushes id onto the free list, making it eligible for
// reuse by a future Reallocate.
func (a *Allocator) DeallocOne(id uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, leaked := a.leaked[id]; leaked {
		return errs.New(errs.ResourceExhausted, "sector %d already leaked, cannot free", id)
	}
	heap.Push(a.free, id)
	return nil
}

// DeallocOneOrLeak is DeallocOne, except instead of ever failing it
// marks id leaked — tolerated per spec §4.3, never reused, never
// double-freed.
func (a *Allocator) DeallocOneOrLeak(id uint64) {
	if err := a.DeallocOne(id); err != nil {
		a.mu.Lock()
		a.leaked[id] = struct{}{}
		a.mu.Unlock()
	}
}

// FreeIDs returns a snapshot of the current free list (used by
// Archive.Stats; persistence goes through EncodeFreeList).
func (a *Allocator) FreeIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]uint64(nil), []uint64(*a.free)...)
	return out
}

// LeakedIDs returns a snapshot of sector ids explicitly marked leaked.
func (a *Allocator) LeakedIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.leaked))
	for id := range a.leaked {
		out = append(out, id)
	}
	return out
}

// idHeap is a min-heap of sector ids, the same shape as the teacher's
// uint32Heap (misc.go) widened to uint64.
type idHeap []uint64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) {
	*h = append(*h, x.(uint64))
}
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
