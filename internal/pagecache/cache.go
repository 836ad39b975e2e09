package pagecache

import (
	"sync"
)

// InitFunc initializes a page's value in place when the cache admits a
// new entry. It returns an error if the backing fetch (e.g. a device
// read) failed, in which case the page reverts to dead.
type InitFunc[V any] func(current *V) error

// Cache is a fixed-capacity, concurrent map from K to V with
// pin/dirty-aware TinyLFU-style replacement (spec §4.4). The cache
// never grows past its initial capacity: Access either returns an
// existing entry or replaces an eviction victim.
type Cache[K comparable, V any] struct {
	pages []page[K, V]
	index sync.Map // K -> int (page index)
	clock int
	clockMu sync.Mutex

	sketch *sketch
	keyHash func(K) uint64

	mu sync.Mutex // guards admission/eviction decisions; page words are still atomic for readers
}

// New constructs a Cache with room for capacity entries. keyHash
// reduces K to a uint64 for the frequency sketch; it need not be
// collision-free, only well distributed.
func New[K comparable, V any](capacity int, keyHash func(K) uint64) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		pages:   make([]page[K, V], capacity),
		sketch:  newSketch(capacity),
		keyHash: keyHash,
	}
}

// Handle is a counted reference to a cached page. Releasing the last
// Handle makes the page a replacement candidate again.
type Handle[K comparable, V any] struct {
	cache *Cache[K, V]
	idx   int
	gen   uint32
}

// Value returns a pointer to the page's payload. Valid only while the
// Handle is held (i.e. before Release).
func (h Handle[K, V]) Value() *V {
	return &h.cache.pages[h.idx].value
}

// Release decrements the page's pin count, making it eligible for
// replacement once no other Handle references it.
func (h Handle[K, V]) Release() {
	p := &h.cache.pages[h.idx]
	for {
		old := p.load()
		if old.generation() != h.gen {
			return // page already recycled for something else
		}
		pin := old.pin()
		if pin == 0 {
			return
		}
		next := old.withPin(pin - 1).withReferenced(true)
		if p.cas(old, next) {
			return
		}
	}
}

// TryPin returns a Handle to key's page if it is already resident; it
// never admits a new entry (spec §4.4 try_pin).
func (c *Cache[K, V]) TryPin(key K) (Handle[K, V], bool) {
	v, ok := c.index.Load(key)
	if !ok {
		return Handle[K, V]{}, false
	}
	idx := v.(int)
	p := &c.pages[idx]
	for {
		old := p.load()
		if old.st() == stateDead || old.tombstone() || p.key != key {
			return Handle[K, V]{}, false
		}
		next := old.withPin(old.pin() + 1).withReferenced(true)
		if p.cas(old, next) {
			return Handle[K, V]{cache: c, idx: idx, gen: next.generation()}, true
		}
	}
}

// Access returns a pinned Handle for key, admitting (and calling
// initFn on) a fresh page if key was not already resident (spec §4.4
// access).
func (c *Cache[K, V]) Access(key K, initFn InitFunc[V]) (Handle[K, V], error) {
	if h, ok := c.TryPin(key); ok {
		return h, nil
	}

	c.mu.Lock()
	// Re-check under the admission lock: another goroutine may have
	// finished admitting key while we were waiting (the teacher's
	// comment on container concurrency: "two concurrent replacements of
	// the same key are serialized by the map").
	if h, ok := c.TryPin(key); ok {
		c.mu.Unlock()
		return h, nil
	}

	idx := c.selectVictim(key)
	p := &c.pages[idx]
	old := p.load()
	nextGen := old.withNextGeneration()
	initState := makePackedState(1, stateInitializing, false, false, nextGen.generation())
	if !p.cas(old, initState) {
		c.mu.Unlock()
		return Handle[K, V]{}, errCacheContention
	}
	var priorKey K
	if old.st() != stateDead {
		priorKey = p.key
	}
	p.key = key
	c.index.Delete(priorKey)
	c.index.Store(key, idx)
	c.mu.Unlock()

	if err := initFn(&p.value); err != nil {
		p.word.Store(uint64(makePackedState(0, stateDead, false, false, initState.generation()+1)))
		c.index.Delete(key)
		return Handle[K, V]{}, err
	}

	for {
		cur := p.load()
		clean := makePackedState(cur.pin(), stateClean, true, false, cur.generation())
		if p.cas(cur, clean) {
			break
		}
	}
	c.sketch.RecordAccess(c.keyHash(key))
	return Handle[K, V]{cache: c, idx: idx, gen: initState.generation()}, nil
}

// MarkDirty flips the page's dirty bit and state.
func (c *Cache[K, V]) MarkDirty(h Handle[K, V]) {
	p := &c.pages[h.idx]
	p.dirty.Store(true)
	for {
		old := p.load()
		if old.generation() != h.gen {
			return
		}
		next := old.withState(stateDirty)
		if p.cas(old, next) {
			return
		}
	}
}

// MarkClean flips the page's dirty bit off after a successful
// write-back.
func (c *Cache[K, V]) MarkClean(h Handle[K, V]) {
	p := &c.pages[h.idx]
	p.dirty.Store(false)
	for {
		old := p.load()
		if old.generation() != h.gen {
			return
		}
		next := old.withState(stateClean)
		if p.cas(old, next) {
			return
		}
	}
}

// Purge evicts and destroys key's entry immediately, regardless of its
// dirty state (used when a sector is released back to the allocator).
func (c *Cache[K, V]) Purge(key K) {
	v, ok := c.index.Load(key)
	if !ok {
		return
	}
	idx := v.(int)
	p := &c.pages[idx]
	for {
		old := p.load()
		if p.key != key {
			return
		}
		dead := makePackedState(0, stateDead, false, false, old.generation()+1)
		if p.cas(old, dead) {
			c.index.Delete(key)
			return
		}
	}
}

// ForEachDirty iterates every currently-dirty page, calling fn with
// its key and a pointer to its value. fn must not block on cache
// operations for other keys.
func (c *Cache[K, V]) ForEachDirty(fn func(key K, value *V) error) error {
	for i := range c.pages {
		p := &c.pages[i]
		if !p.dirty.Load() {
			continue
		}
		st := p.load()
		if st.st() != stateDirty {
			continue
		}
		if err := fn(p.key, &p.value); err != nil {
			return err
		}
	}
	return nil
}

// selectVictim runs a clock-style scan: skip pinned pages, grant a
// second chance to referenced pages (clearing the bit), skip dirty
// pages entirely, and among the remaining clean candidates prefer
// lower estimated frequency over higher (spec §4.4 "victim
// selection"). Must be called with c.mu held.
func (c *Cache[K, V]) selectVictim(incoming K) int {
	n := len(c.pages)
	incomingFreq := c.sketch.Estimate(c.keyHash(incoming))

	bestIdx := -1
	var bestFreq byte = 0xff

	for scanned := 0; scanned < n*2; scanned++ {
		c.clockMu.Lock()
		idx := c.clock
		c.clock = (c.clock + 1) % n
		c.clockMu.Unlock()

		p := &c.pages[idx]
		old := p.load()
		if old.st() == stateDead {
			return idx
		}
		if old.pin() > 0 {
			continue
		}
		if old.referenced() {
			p.cas(old, old.withReferenced(false))
			continue
		}
		// Dirty pages block replacement until a Commit writes them back
		// and calls MarkClean (spec §4.4): they are never candidates,
		// not merely deprioritized ones.
		if old.st() == stateDirty {
			continue
		}

		freq := c.sketch.Estimate(c.keyHash(p.key))
		if bestIdx == -1 || freq < bestFreq {
			bestIdx, bestFreq = idx, freq
		}
		// Once a candidate's estimated frequency is below the incoming
		// key's, stop scanning early. When no candidate is below it, the
		// lowest-frequency clean page found is still returned and
		// replaced: the incoming key is never refused admission.
		if bestFreq < incomingFreq {
			break
		}
	}
	if bestIdx == -1 {
		// Degenerate case: every unpinned page is dirty, or every page
		// is pinned. Caller must retry once a Commit flushes dirty
		// pages; returning the clock position keeps Access from
		// panicking, the CAS in Access will simply fail and surface
		// errCacheContention.
		c.clockMu.Lock()
		bestIdx = c.clock
		c.clockMu.Unlock()
	}
	return bestIdx
}

var errCacheContention = &cacheContentionError{}

type cacheContentionError struct{}

func (*cacheContentionError) Error() string {
	return "pagecache: replacement candidate changed under contention, retry"
}
