// Package interimpool is the process-local pool of §4.5: positions at or
// beyond the highest-ever-used mark, handed out as freshly zero-initialized
// pages of any kind and returned to the pool when a mutator commits or
// rolls back. Grounded on the teacher's buffer_pool.go free-page list
// (LRU/free list reuse before growing the file), adapted here to pack's
// flat append-or-reuse model instead of a fixed buffer-pool LRU.
package interimpool

import (
	"sync"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Pool hands out pages at or beyond a high-water mark, reusing released
// positions before growing the file further.
type Pool struct {
	mu        sync.Mutex
	sh        *sheaf.Sheaf
	pageSize  uint32
	highWater sheaf.Position
	free      []sheaf.Position
}

// New creates a Pool whose first never-used position is highWater (normally
// the file's current size at open time).
func New(sh *sheaf.Sheaf, pageSize uint32, highWater sheaf.Position) *Pool {
	return &Pool{sh: sh, pageSize: pageSize, highWater: highWater}
}

// HighWater returns the next position that has never been handed out.
func (p *Pool) HighWater() sheaf.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

// Take returns a freshly zero-initialized page, preferring a released
// position over growing the file.
func (p *Pool) Take() (*sheaf.Page, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pos := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return p.sh.NewPage(pos), nil
	}
	pos := p.highWater
	p.highWater += sheaf.Position(p.pageSize)
	p.mu.Unlock()

	if err := p.sh.Grow(pos + sheaf.Position(p.pageSize)); err != nil {
		return nil, err
	}
	return p.sh.NewPage(pos), nil
}

// Release returns pos to the pool for reuse by a future Take. The caller
// must no longer hold any reference to the page's prior content.
func (p *Pool) Release(pos sheaf.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pos)
}

// Count reports the number of positions currently available for reuse
// without growing the file, for diagnostics.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
