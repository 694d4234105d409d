// Package addrspace implements the address region: AddressPage (§4.2) and
// the AddressBoundary that grows it by promoting user pages (§4.1).
// Grounded on storage/store/pages/xdes_page.go for the fixed-slot-array
// page shape and on util/bitutils.go-style helpers for bit-exact encoding,
// rewritten here in big-endian per spec §6.
package addrspace

import (
	"encoding/binary"
	"sync"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

const slotSize = 8

// Free, Reserved are the two sentinel slot values (§3). Any other value is
// a page position.
const (
	Free     sheaf.Position = 0
	Reserved sheaf.Position = ^sheaf.Position(0)
)

// Address is the stable 64-bit identifier of a block: the byte offset of
// its slot inside an address page.
type Address uint64

// AddressPage is the in-memory view over one address page's raw bytes: an
// array of 8-byte slots, each 0 (free), MAX (reserved) or a page position.
type AddressPage struct {
	mu        sync.Mutex
	page      *sheaf.Page
	pos       sheaf.Position
	slots     int
	freeCount int
}

// SlotsPerPage returns how many 8-byte slots fit in a page of size pageSize.
func SlotsPerPage(pageSize uint32) int {
	return int(pageSize) / slotSize
}

// Load wraps an already-fetched sheaf page as an address page and rescans
// it to reconstruct freeCount, per §4.2 "load() rescans the page". Slot 0 is
// reserved for the §4.1 forward reference on every address page (promoted
// or not) and is never counted as a usable free slot or returned by
// Reserve — see DESIGN.md's resolution of the slot-0 / forward-reference
// overlap.
func Load(p *sheaf.Page, pageSize uint32) *AddressPage {
	ap := &AddressPage{
		page:  p,
		pos:   p.Pos,
		slots: SlotsPerPage(pageSize),
	}
	p.Lock()
	for i := 1; i < ap.slots; i++ {
		if ap.rawSlot(i) == uint64(Free) {
			ap.freeCount++
		}
	}
	p.Unlock()
	return ap
}

// Init zero-fills a freshly taken-into-use address page (all slots free,
// forward reference at slot 0 cleared to "not promoted").
func Init(p *sheaf.Page, pageSize uint32) *AddressPage {
	p.Lock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Unlock()
	return &AddressPage{
		page:      p,
		pos:       p.Pos,
		slots:     SlotsPerPage(pageSize),
		freeCount: SlotsPerPage(pageSize) - 1,
	}
}

// ForwardRef returns the §4.1 forward reference stored at slot 0: zero means
// this page was never promoted from a user page.
func (ap *AddressPage) ForwardRef() sheaf.Position {
	ap.page.Lock()
	defer ap.page.Unlock()
	return sheaf.Position(ap.rawSlot(0))
}

// SetForwardRef records that this address page's prior user-page content now
// lives at to, per the §4.1 CREATE_ADDRESS_PAGE effect.
func (ap *AddressPage) SetForwardRef(to sheaf.Position) {
	ap.page.Lock()
	defer ap.page.Unlock()
	ap.writeSlot(0, uint64(to))
	ap.page.MarkDirty()
}

func (ap *AddressPage) rawSlot(i int) uint64 {
	return binary.BigEndian.Uint64(ap.page.Data[i*slotSize : i*slotSize+slotSize])
}

func (ap *AddressPage) writeSlot(i int, v uint64) {
	binary.BigEndian.PutUint64(ap.page.Data[i*slotSize:i*slotSize+slotSize], v)
}

// Position is the page's own file position.
func (ap *AddressPage) Position() sheaf.Position { return ap.pos }

// FreeCount returns the number of zero slots (invariant 4).
func (ap *AddressPage) FreeCount() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.freeCount
}

// Reserve scans for the first free slot, marks it RESERVED and returns its
// address. Returns ok=false if the page is full.
func (ap *AddressPage) Reserve() (Address, bool) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.page.Lock()
	defer ap.page.Unlock()

	for i := 1; i < ap.slots; i++ {
		if ap.rawSlot(i) == uint64(Free) {
			ap.writeSlot(i, uint64(Reserved))
			ap.page.MarkDirty()
			ap.freeCount--
			return Address(int(ap.pos) + i*slotSize), true
		}
	}
	return 0, false
}

// Set overwrites the slot at address with position (ALLOCATED or a moved
// reference). address must belong to this page.
func (ap *AddressPage) Set(address Address, position sheaf.Position) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.page.Lock()
	defer ap.page.Unlock()

	i := ap.slotIndex(address)
	was := ap.rawSlot(i)
	ap.writeSlot(i, uint64(position))
	ap.page.MarkDirty()
	if was == uint64(Free) && position != Free {
		ap.freeCount--
	} else if was != uint64(Free) && position == Free {
		ap.freeCount++
	}
}

// Dereference returns the current slot value for address.
func (ap *AddressPage) Dereference(address Address) sheaf.Position {
	ap.page.Lock()
	defer ap.page.Unlock()
	return sheaf.Position(ap.rawSlot(ap.slotIndex(address)))
}

// Free sets the slot at address to 0 if it is currently non-zero, per §4.2.
// Returns whether a slot was actually freed (it was not already 0).
func (ap *AddressPage) Free(address Address) bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.page.Lock()
	defer ap.page.Unlock()

	i := ap.slotIndex(address)
	if ap.rawSlot(i) == uint64(Free) {
		return false
	}
	ap.writeSlot(i, uint64(Free))
	ap.page.MarkDirty()
	ap.freeCount++
	return true
}

func (ap *AddressPage) slotIndex(address Address) int {
	return (int(address) - int(ap.pos)) / slotSize
}
