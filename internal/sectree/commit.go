package sectree

// parentLink records where a dirty node's reference lives in its
// parent's payload, so Commit can splice the freshly-sealed MAC back
// in without re-walking the tree from the root.
type parentLink struct {
	parent uint64
	offset int
}

// Commit reseals every sector touched since the last commit, walking
// bottom-up so each parent's reference entry is rewritten with its
// child's freshly-computed MAC before the parent itself is sealed
// (spec §4.5 "commit", mirroring the device's own dual-header protocol
// of "children before parents, parent before the header"). Returns the
// Descriptor the caller should persist.
func (t *Tree) Commit() (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.dirtyLeaves) == 0 {
		return Descriptor{
			RootSectorID:  t.root,
			RootMAC:       t.rootMAC,
			RootCounterLo: t.rootCounter.Lo(),
			Depth:         t.depth,
			Size:          t.size,
		}, nil
	}
	if t.depth < 0 {
		t.dirtyLeaves = make(map[uint64]bool)
		return Descriptor{Depth: -1}, nil
	}

	dirtyNodes := make(map[int8]map[uint64]bool)
	parentOf := make(map[uint64]parentLink)
	addLevel := func(level int8) {
		if dirtyNodes[level] == nil {
			dirtyNodes[level] = make(map[uint64]bool)
		}
	}

	for leafIdx := range t.dirtyLeaves {
		addLevel(t.depth)
		dirtyNodes[t.depth][t.root] = true
		if t.depth == 0 {
			continue
		}

		curSector, curMAC, curCounter := t.root, t.rootMAC, t.rootCounter
		level := t.depth
		for _, off := range path(leafIdx, t.depth) {
			h, err := t.pinExisting(curSector, curMAC, curCounter)
			if err != nil {
				return Descriptor{}, err
			}
			ref := getReference(*h.Value(), off)
			h.Release()

			childLevel := level - 1
			addLevel(childLevel)
			dirtyNodes[childLevel][ref.sectorID] = true
			parentOf[ref.sectorID] = parentLink{parent: curSector, offset: off}

			curSector, curMAC, curCounter = ref.sectorID, ref.mac, ref.counter()
			level = childLevel
		}
	}

	for level := int8(0); level <= t.depth; level++ {
		for sectorID := range dirtyNodes[level] {
			h, ok := t.cache.TryPin(sectorID)
			if !ok {
				return Descriptor{}, errEvictedBeforeCommit
			}
			counter := t.fctx.Next()
			mac, err := t.dev.WriteSector(t.fctx, sectorID, *h.Value(), counter)
			if err != nil {
				h.Release()
				return Descriptor{}, err
			}
			t.cache.MarkClean(h)
			h.Release()

			if level == t.depth {
				t.root, t.rootMAC, t.rootCounter = sectorID, mac, counter
				continue
			}
			link := parentOf[sectorID]
			ph, ok := t.cache.TryPin(link.parent)
			if !ok {
				return Descriptor{}, errEvictedBeforeCommit
			}
			putReference(*ph.Value(), link.offset, reference{sectorID: sectorID, mac: mac, counterLo: counter.Lo()})
			t.cache.MarkDirty(ph)
			ph.Release()
		}
	}

	t.dirtyLeaves = make(map[uint64]bool)
	return Descriptor{
		RootSectorID:  t.root,
		RootMAC:       t.rootMAC,
		RootCounterLo: t.rootCounter.Lo(),
		Depth:         t.depth,
		Size:          t.size,
	}, nil
}
