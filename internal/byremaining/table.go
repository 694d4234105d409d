package byremaining

import "sync"

// Table is the by-remaining free-space index of §4.4: user block pages are
// grouped into alignment buckets keyed by floor(remaining/A), each bucket
// backed by a linked list of position values in the lookup page pool. Its
// bucket->head map is mirrored onto a single Metadata page so it survives a
// restart (see DESIGN.md).
type Table struct {
	mu        sync.Mutex
	lookup    *LookupPagePool
	alignment uint32
	meta      *Metadata

	buckets map[int]*bucket
}

type bucket struct {
	head   BlockRef
	capIdx int // capacity class of the current head block
}

// NewTable creates an empty by-remaining table with the given alignment A
// and no backing metadata page (bucket heads are not persisted).
func NewTable(lookup *LookupPagePool, alignment uint32) *Table {
	return &Table{lookup: lookup, alignment: alignment, buckets: make(map[int]*bucket)}
}

// NewTableWithMetadata creates a Table whose bucket->head map is persisted
// to meta on every mutation and was seeded from buckets (normally the
// result of byremaining.LoadMetadata at open time).
func NewTableWithMetadata(lookup *LookupPagePool, alignment uint32, meta *Metadata, buckets map[int]bucket) *Table {
	t := &Table{lookup: lookup, alignment: alignment, meta: meta, buckets: make(map[int]*bucket, len(buckets))}
	for idx, b := range buckets {
		bb := b
		t.buckets[idx] = &bb
	}
	return t
}

// persist rewrites the metadata page with the current bucket set. Callers
// must hold t.mu. A no-op when the table has no backing metadata page.
func (t *Table) persist() error {
	if t.meta == nil {
		return nil
	}
	return t.meta.Save(t.alignment, t.buckets)
}

// BucketOf returns the bucket index for a page with the given remaining
// byte count, per §3 invariant 3: floor(remaining/A).
func (t *Table) BucketOf(remaining int) int {
	if remaining < 0 {
		remaining = 0
	}
	return remaining / int(t.alignment)
}

// Add appends value (a user block page position) into bucket's list,
// allocating a new, larger head block if the current head is absent or
// full (§4.4 growth ladder).
func (t *Table) Add(bucketIdx int, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[bucketIdx]
	if !ok {
		b = &bucket{}
		t.buckets[bucketIdx] = b
	}

	if b.head == 0 {
		ref, err := t.lookup.NewBlock(0)
		if err != nil {
			return err
		}
		if err := t.lookup.writeHeader(ref, 0, 0, 0); err != nil {
			return err
		}
		b.head, b.capIdx = ref, 0
		if err := t.persist(); err != nil {
			return err
		}
	}

	vals, err := t.lookup.values(b.head, b.capIdx)
	if err != nil {
		return err
	}
	if appendValue(vals, value) {
		return t.lookup.setValues(b.head, vals)
	}

	// Head block is full: allocate a new, larger head and link it in front,
	// keeping the old head reachable via the new head's "next".
	nextCapIdx := t.lookup.capIndexAfter(b.capIdx)
	newHead, err := t.lookup.NewBlock(nextCapIdx)
	if err != nil {
		return err
	}
	if err := t.lookup.writeHeader(newHead, 0, b.head, nextCapIdx); err != nil {
		return err
	}
	if err := t.lookup.writeHeader(b.head, newHead, 0, b.capIdx); err != nil {
		return err
	}

	newVals, err := t.lookup.values(newHead, nextCapIdx)
	if err != nil {
		return err
	}
	appendValue(newVals, value)
	if err := t.lookup.setValues(newHead, newVals); err != nil {
		return err
	}

	b.head, b.capIdx = newHead, nextCapIdx
	return t.persist()
}

// Remove deletes one occurrence of value from bucket's list, scanning from
// the head. If the occurrence is not in the head block, a value is popped
// from the head block to fill the gap, preserving the invariant that only
// the head block may contain empty slots. Returns whether anything was
// removed.
func (t *Table) Remove(bucketIdx int, value uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[bucketIdx]
	if !ok || b.head == 0 {
		return false, nil
	}

	headVals, err := t.lookup.values(b.head, b.capIdx)
	if err != nil {
		return false, err
	}
	if removeValue(headVals, value) {
		return true, t.lookup.setValues(b.head, headVals)
	}

	ref := b.head
	for {
		_, next, _, err := t.lookup.readHeader(ref)
		if err != nil {
			return false, err
		}
		if next == 0 {
			return false, nil
		}
		_, _, nextCapIdx, err := t.lookup.readHeader(next)
		if err != nil {
			return false, err
		}
		vals, err := t.lookup.values(next, nextCapIdx)
		if err != nil {
			return false, err
		}
		if removeValue(vals, value) {
			filler, ok := popLast(headVals)
			if ok {
				appendValue(vals, filler)
				if err := t.lookup.setValues(b.head, headVals); err != nil {
					return false, err
				}
			}
			if err := t.lookup.setValues(next, vals); err != nil {
				return false, err
			}
			if ok && valueCount(headVals) == 0 {
				_, headNext, _, err := t.lookup.readHeader(b.head)
				if err != nil {
					return true, err
				}
				_, nn, nnCapIdx, err := t.lookup.readHeader(headNext)
				if err != nil {
					return true, err
				}
				if err := t.lookup.writeHeader(headNext, 0, nn, nnCapIdx); err != nil {
					return true, err
				}
				t.lookup.Release(b.capIdx, b.head)
				b.head, b.capIdx = headNext, nnCapIdx
				return true, t.persist()
			}
			return true, nil
		}
		ref = next
	}
}

// Poll pops and returns one value from bucket's head, or 0 if the bucket is
// empty. If popping empties the head block, the block is unlinked and its
// slot released back to the lookup pool for reuse.
func (t *Table) Poll(bucketIdx int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[bucketIdx]
	if !ok || b.head == 0 {
		return 0, nil
	}

	vals, err := t.lookup.values(b.head, b.capIdx)
	if err != nil {
		return 0, err
	}
	v, ok := popLast(vals)
	if !ok {
		return 0, nil
	}
	if err := t.lookup.setValues(b.head, vals); err != nil {
		return 0, err
	}

	if valueCount(vals) == 0 {
		_, next, _, err := t.lookup.readHeader(b.head)
		if err != nil {
			return v, err
		}
		oldHead, oldCapIdx := b.head, b.capIdx
		if next != 0 {
			_, nextNext, nextCapIdx, err := t.lookup.readHeader(next)
			if err != nil {
				return v, err
			}
			if err := t.lookup.writeHeader(next, 0, nextNext, nextCapIdx); err != nil {
				return v, err
			}
			b.head, b.capIdx = next, nextCapIdx
		} else {
			b.head = 0
			delete(t.buckets, bucketIdx)
		}
		t.lookup.Release(oldCapIdx, oldHead)
		if err := t.persist(); err != nil {
			return v, err
		}
	}
	return v, nil
}

// BucketCount reports the number of distinct non-empty buckets currently
// tracked, for the engine's read-only stats surface.
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		if b.head != 0 {
			n++
		}
	}
	return n
}

// IsEmpty reports whether bucketIdx currently has no entries.
func (t *Table) IsEmpty(bucketIdx int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[bucketIdx]
	return !ok || b.head == 0
}

// BestFit scans nearby buckets (from bucketIdx upward, since a page needs at
// *least* the requested remaining bytes) and returns the lowest bucket index
// at or above bucketIdx that currently has an entry, or ok=false if none do
// within maxBucket. Used by the default vacuum strategy (§4.4).
func (t *Table) BestFit(bucketIdx, maxBucket int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := bucketIdx; i <= maxBucket; i++ {
		if b, ok := t.buckets[i]; ok && b.head != 0 {
			return i, true
		}
	}
	return 0, false
}
