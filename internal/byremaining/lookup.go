// Package byremaining implements the §4.4 free-space index: the
// ByRemainingTable (alignment buckets over user block pages) and the
// LookupPagePool that backs each bucket's linked list of position values.
// Grounded on storage/store/pages/xdes_page.go's DESListNode-style
// prev/next linked extent list, reworked from a bitmap-of-extents into a
// dense-value block list per §4.4.
package byremaining

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// blockHeaderSize is the {prev,next,capIdx} header of one lookup block:
// prev/next are 8-byte BlockRefs (0 = nil), capIdx is this block's own
// capacity-class index (8 bytes, stored wide for alignment with the other
// fields) — growth is non-monotonic along a chain (many blocks can sit at
// the ladder's largest size), so each block must carry its own class rather
// than have it inferred while walking.
const blockHeaderSize = 24

// BlockRef identifies one lookup block: a lookup page position plus its
// byte offset within that page, packed the same way addrspace.Address packs
// a page position with a slot offset (the page position's low bits are
// always zero since it is page-aligned, so the two pack losslessly into one
// uint64). Zero means "no block".
type BlockRef uint64

func makeRef(pagePos sheaf.Position, offset int) BlockRef {
	return BlockRef(uint64(pagePos) + uint64(offset))
}

func (r BlockRef) split(pageSize uint32) (pagePos sheaf.Position, offset int) {
	p := uint64(r)
	pageNo := p - p%uint64(pageSize)
	return sheaf.Position(pageNo), int(p % uint64(pageSize))
}

// LookupPagePool hands out fixed-width blocks of 64-bit values, packing
// multiple blocks of the same size class into shared lookup pages (§4.4).
//
// The spec describes the per-size pool of not-yet-assigned blocks as itself
// a persisted linked block list. This implementation keeps that bookkeeping
// in memory instead (see DESIGN.md's "lookup page pool free list" entry):
// externally add/remove/poll behave identically, only the *recovery* of an
// in-flight free list across a restart is out of scope here — on reopen the
// pool starts empty and grows pages on demand, same as a cold pool would.
type LookupPagePool struct {
	mu       sync.Mutex
	sh       *sheaf.Sheaf
	pool     *interimpool.Pool
	pageSize uint32
	sizes    []int // ascending block capacities (value counts)

	freeSlots map[int][]BlockRef // capacity-class index -> unused block refs
}

// NewLookupPagePool creates a pool using sizes as the ascending ladder of
// block capacities (§4.4: "first block uses the smallest size; each next
// allocation uses the next-larger size; once the largest is reached,
// subsequent allocations use the largest thereafter").
func NewLookupPagePool(sh *sheaf.Sheaf, pool *interimpool.Pool, pageSize uint32, sizes []int) *LookupPagePool {
	return &LookupPagePool{
		sh:        sh,
		pool:      pool,
		pageSize:  pageSize,
		sizes:     append([]int(nil), sizes...),
		freeSlots: make(map[int][]BlockRef),
	}
}

func (lp *LookupPagePool) slotSize(capIdx int) int {
	return blockHeaderSize + lp.sizes[capIdx]*8
}

// capIndexAfter returns the capacity-class index to use for the allocation
// immediately following one that used capIdx, clamped at the largest size.
func (lp *LookupPagePool) capIndexAfter(capIdx int) int {
	if capIdx+1 >= len(lp.sizes) {
		return len(lp.sizes) - 1
	}
	return capIdx + 1
}

// NewBlock allocates a block of capacity class capIdx, reusing a released
// slot before carving a fresh lookup page into slots of that size.
func (lp *LookupPagePool) NewBlock(capIdx int) (BlockRef, error) {
	lp.mu.Lock()
	if free := lp.freeSlots[capIdx]; len(free) > 0 {
		ref := free[len(free)-1]
		lp.freeSlots[capIdx] = free[:len(free)-1]
		lp.mu.Unlock()
		return ref, nil
	}
	lp.mu.Unlock()

	page, err := lp.pool.Take()
	if err != nil {
		return 0, err
	}
	ss := lp.slotSize(capIdx)
	n := int(lp.pageSize) / ss
	if n == 0 {
		return 0, errors.Errorf("byremaining: block capacity %d too large for page size %d", lp.sizes[capIdx], lp.pageSize)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()
	var first BlockRef
	for i := 0; i < n; i++ {
		ref := makeRef(page.Pos, i*ss)
		if i == 0 {
			first = ref
			continue
		}
		lp.freeSlots[capIdx] = append(lp.freeSlots[capIdx], ref)
	}
	return first, nil
}

// Release returns ref's slot (of capacity class capIdx) to the free list for
// reuse by a future NewBlock of the same class, per page-sharing in §4.4.
func (lp *LookupPagePool) Release(capIdx int, ref BlockRef) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.freeSlots[capIdx] = append(lp.freeSlots[capIdx], ref)
}

// readHeader returns a block's {prev,next} pointers and its own capacity
// class.
func (lp *LookupPagePool) readHeader(ref BlockRef) (prev, next BlockRef, capIdx int, err error) {
	pagePos, offset := ref.split(lp.pageSize)
	page, err := lp.sh.Get(pagePos)
	if err != nil {
		return 0, 0, 0, err
	}
	page.Lock()
	defer page.Unlock()
	prev = BlockRef(binary.BigEndian.Uint64(page.Data[offset : offset+8]))
	next = BlockRef(binary.BigEndian.Uint64(page.Data[offset+8 : offset+16]))
	capIdx = int(binary.BigEndian.Uint64(page.Data[offset+16 : offset+24]))
	return prev, next, capIdx, nil
}

func (lp *LookupPagePool) writeHeader(ref BlockRef, prev, next BlockRef, capIdx int) error {
	pagePos, offset := ref.split(lp.pageSize)
	page, err := lp.sh.Get(pagePos)
	if err != nil {
		return err
	}
	page.Lock()
	defer page.Unlock()
	binary.BigEndian.PutUint64(page.Data[offset:offset+8], uint64(prev))
	binary.BigEndian.PutUint64(page.Data[offset+8:offset+16], uint64(next))
	binary.BigEndian.PutUint64(page.Data[offset+16:offset+24], uint64(capIdx))
	page.MarkDirty()
	return nil
}

// values returns a copy of a block's capacity-length dense value array.
func (lp *LookupPagePool) values(ref BlockRef, capIdx int) ([]uint64, error) {
	pagePos, offset := ref.split(lp.pageSize)
	page, err := lp.sh.Get(pagePos)
	if err != nil {
		return nil, err
	}
	capacity := lp.sizes[capIdx]
	page.Lock()
	defer page.Unlock()
	out := make([]uint64, capacity)
	base := offset + blockHeaderSize
	for i := 0; i < capacity; i++ {
		out[i] = binary.BigEndian.Uint64(page.Data[base+i*8 : base+i*8+8])
	}
	return out, nil
}

func (lp *LookupPagePool) setValues(ref BlockRef, vals []uint64) error {
	pagePos, offset := ref.split(lp.pageSize)
	page, err := lp.sh.Get(pagePos)
	if err != nil {
		return err
	}
	page.Lock()
	defer page.Unlock()
	base := offset + blockHeaderSize
	for i, v := range vals {
		binary.BigEndian.PutUint64(page.Data[base+i*8:base+i*8+8], v)
	}
	page.MarkDirty()
	return nil
}

func valueCount(vals []uint64) int {
	for i, v := range vals {
		if v == 0 {
			return i
		}
	}
	return len(vals)
}

func appendValue(vals []uint64, v uint64) bool {
	n := valueCount(vals)
	if n >= len(vals) {
		return false
	}
	vals[n] = v
	return true
}

func popLast(vals []uint64) (uint64, bool) {
	n := valueCount(vals)
	if n == 0 {
		return 0, false
	}
	v := vals[n-1]
	vals[n-1] = 0
	return v, true
}

func removeValue(vals []uint64, v uint64) bool {
	n := valueCount(vals)
	idx := -1
	for i := 0; i < n; i++ {
		if vals[i] == v {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	vals[idx] = vals[n-1]
	vals[n-1] = 0
	return true
}
