package addrspace

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Boundary is the address boundary of §4.1: the first position of the user
// region. It only grows. Its RWMutex doubles as the §5 page-move lock: read
// mode for every dereference, write mode only while promoting a page.
type Boundary struct {
	sync.RWMutex
	pos      sheaf.Position
	pageSize uint32
}

// New creates a Boundary starting at pos.
func New(pos sheaf.Position, pageSize uint32) *Boundary {
	return &Boundary{pos: pos, pageSize: pageSize}
}

// Position returns the current boundary. Callers that only read it for an
// advisory check may skip locking; callers resolving a stored position must
// hold RLock across Adjust to be consistent with a concurrent promotion.
func (b *Boundary) Position() sheaf.Position {
	b.RLock()
	defer b.RUnlock()
	return b.pos
}

// advance sets the boundary forward by one page. Callers must hold the
// write lock.
func (b *Boundary) advance() sheaf.Position {
	next := b.pos
	b.pos += sheaf.Position(b.pageSize)
	return next
}

// Promote advances the boundary past pos, the CREATE_ADDRESS_PAGE replay
// effect: pos is always the page at the current boundary (the first
// user-region page, the next candidate for promotion), since growth proceeds
// one page at a time.
// Promote takes the write lock itself; callers must not already hold it.
func (b *Boundary) Promote(pos sheaf.Position) error {
	b.Lock()
	defer b.Unlock()
	if pos != b.pos {
		return errors.Errorf("addrspace: promote %d does not match boundary %d", pos, b.pos)
	}
	b.advance()
	return nil
}

// Adjust resolves a possibly-stale stored position: if pos names a page
// below the current boundary, that page has been promoted to an address
// page and pos must be redirected to the new location of its former
// content, preserving the intra-page byte offset (§4.1) — this is what
// lets a journal cursor or any other raw position survive a promotion.
// Callers must hold at least RLock.
func (b *Boundary) Adjust(pos sheaf.Position, sh *sheaf.Sheaf) (sheaf.Position, error) {
	if pos >= b.pos {
		return pos, nil
	}
	pageNo := (pos / sheaf.Position(b.pageSize)) * sheaf.Position(b.pageSize)
	offset := pos - pageNo

	page, err := sh.Get(pageNo)
	if err != nil {
		return 0, err
	}
	ap := Load(page, b.pageSize)
	fwd := ap.ForwardRef()
	if fwd == 0 {
		// Never promoted (or this *is* the genuine address page content at
		// slot 0 meaning "not redirected") — pos is already correct.
		return pos, nil
	}
	return fwd + offset, nil
}
