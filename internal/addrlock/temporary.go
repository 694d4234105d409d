package addrlock

import (
	"encoding/binary"
	"sync"

	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// nodeSize is one temporary reference node: {blockAddress:8, nextNode:8}.
const nodeSize = 16

// NodeRef identifies one temporary-reference node the same way
// byremaining.BlockRef identifies a lookup block: page position plus
// intra-page byte offset packed into one uint64. Zero means "no node".
type NodeRef uint64

func makeNodeRef(pos sheaf.Position, offset int) NodeRef {
	return NodeRef(uint64(pos) + uint64(offset))
}

func (r NodeRef) split(pageSize uint32) (sheaf.Position, int) {
	v := uint64(r)
	pageNo := v - v%uint64(pageSize)
	return sheaf.Position(pageNo), int(v % uint64(pageSize))
}

// TemporaryPool is the §4.9 persistent singly-linked list of temporary
// reference nodes. The list head mirrors the file header's
// firstTemporaryNode field; callers are responsible for persisting Head()
// into the header after any mutating call.
//
// As with byremaining.LookupPagePool, the pool of not-yet-assigned node
// slots within a partially-used node page is tracked in memory rather than
// via a second persisted chain — see DESIGN.md.
type TemporaryPool struct {
	mu       sync.Mutex
	sh       *sheaf.Sheaf
	pool     *interimpool.Pool
	pageSize uint32

	head      NodeRef
	freeSlots []NodeRef
}

// NewTemporaryPool creates a TemporaryPool whose list currently starts at
// head (normally the header's firstTemporaryNode value read at open time).
func NewTemporaryPool(sh *sheaf.Sheaf, pool *interimpool.Pool, pageSize uint32, head NodeRef) *TemporaryPool {
	return &TemporaryPool{sh: sh, pool: pool, pageSize: pageSize, head: head}
}

// Head returns the current list head for the caller to persist into the
// file header.
func (tp *TemporaryPool) Head() NodeRef {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.head
}

// Allocate reserves an unbound node slot, carving a fresh page from the
// interim pool if no released slot is available.
func (tp *TemporaryPool) Allocate() (NodeRef, error) {
	tp.mu.Lock()
	if n := len(tp.freeSlots); n > 0 {
		ref := tp.freeSlots[n-1]
		tp.freeSlots = tp.freeSlots[:n-1]
		tp.mu.Unlock()
		return ref, nil
	}
	tp.mu.Unlock()

	page, err := tp.pool.Take()
	if err != nil {
		return 0, err
	}
	n := int(tp.pageSize) / nodeSize

	tp.mu.Lock()
	defer tp.mu.Unlock()
	var first NodeRef
	for i := 0; i < n; i++ {
		ref := makeNodeRef(page.Pos, i*nodeSize)
		if i == 0 {
			first = ref
			continue
		}
		tp.freeSlots = append(tp.freeSlots, ref)
	}
	return first, nil
}

func (tp *TemporaryPool) readNode(ref NodeRef) (blockAddr uint64, next NodeRef, err error) {
	pagePos, offset := ref.split(tp.pageSize)
	page, err := tp.sh.Get(pagePos)
	if err != nil {
		return 0, 0, err
	}
	page.Lock()
	defer page.Unlock()
	blockAddr = binary.BigEndian.Uint64(page.Data[offset : offset+8])
	next = NodeRef(binary.BigEndian.Uint64(page.Data[offset+8 : offset+16]))
	return blockAddr, next, nil
}

func (tp *TemporaryPool) writeNode(ref NodeRef, blockAddr uint64, next NodeRef) error {
	pagePos, offset := ref.split(tp.pageSize)
	page, err := tp.sh.Get(pagePos)
	if err != nil {
		return err
	}
	page.Lock()
	defer page.Unlock()
	binary.BigEndian.PutUint64(page.Data[offset:offset+8], blockAddr)
	binary.BigEndian.PutUint64(page.Data[offset+8:offset+16], uint64(next))
	page.MarkDirty()
	return nil
}

// Commit binds node to address, making it the new list head. This is the
// player's replay effect for the TEMPORARY op (§4.6).
func (tp *TemporaryPool) Commit(address uint64, node NodeRef) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if err := tp.writeNode(node, address, tp.head); err != nil {
		return err
	}
	tp.head = node
	return nil
}

// Free removes the node bound to address, if any, returning its slot to the
// pool. Used when an explicit mutator free() targets an address that still
// has a pending temporary-reference node, so open-time recovery doesn't
// later try to free it a second time.
func (tp *TemporaryPool) Free(address uint64) (bool, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	var prev NodeRef
	cur := tp.head
	for cur != 0 {
		blockAddr, next, err := tp.readNode(cur)
		if err != nil {
			return false, err
		}
		if blockAddr == address {
			if prev == 0 {
				tp.head = next
			} else if err := tp.writeNode(prev, mustAddr(tp, prev), next); err != nil {
				return false, err
			}
			tp.freeSlots = append(tp.freeSlots, cur)
			return true, nil
		}
		prev = cur
		cur = next
	}
	return false, nil
}

func mustAddr(tp *TemporaryPool, ref NodeRef) uint64 {
	addr, _, err := tp.readNode(ref)
	if err != nil {
		return 0
	}
	return addr
}

// ScanAndFreeAll walks the entire list, returning every bound block address
// and releasing every node to the pool, resetting the head to 0. This is
// recovery's open-time sweep: any address still in this list did not reach
// an explicit free() before the prior close and must be freed now (§4.9).
func (tp *TemporaryPool) ScanAndFreeAll() ([]uint64, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	var addrs []uint64
	cur := tp.head
	for cur != 0 {
		blockAddr, next, err := tp.readNode(cur)
		if err != nil {
			return addrs, err
		}
		addrs = append(addrs, blockAddr)
		tp.freeSlots = append(tp.freeSlots, cur)
		cur = next
	}
	tp.head = 0
	return addrs, nil
}
