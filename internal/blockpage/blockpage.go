// Package blockpage implements the block page format of §4.3: a page
// header followed by a sequence of self-describing blocks, in both the
// user and interim variants. Grounded on storage/store/pages/page.go's
// FileHeader-then-records shape, rewritten for pack's bit-exact §3/§6
// layout (checksum+count header, size/address/payload records) using
// xxhash (internal/checksum) instead of InnoDB's page checksum.
package blockpage

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/checksum"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// ErrCorrupt marks a block page that failed checksum verification or whose
// decoded structure is otherwise inconsistent (wrong kind bit, entry table
// running past the page). Aliased by the root package's ErrBlockPageCorrupt.
var ErrCorrupt = errors.New("blockpage: corrupt")

// BlockHeaderSize is the fixed per-block overhead: size(4) + address(8).
const BlockHeaderSize = 12

// PageHeaderSize is the fixed per-page overhead per §6's bit-exact layout:
// checksum(8) + count(4) + 4 bytes reserved/padding.
const PageHeaderSize = 16

const userCountBit = uint32(1) << 31

// Kind distinguishes a user block page from an interim one. Both share the
// same byte layout; only the top bit of the on-disk count field differs.
type Kind int

const (
	KindUser Kind = iota
	KindInterim
)

// Address is re-exported here only as a type alias to avoid every caller
// importing addrspace just to spell a block's back-reference.
type Address = uint64

type entry struct {
	size    int32 // negative means tombstoned; abs(size) is the on-disk footprint
	address Address
	offset  int // byte offset of this entry's size field within page.Data
}

func (e entry) footprint() int { return int(abs32(e.size)) }
func (e entry) live() bool     { return e.size > 0 }

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// BlockPage is the in-memory view over one block page's raw bytes.
type BlockPage struct {
	page     *sheaf.Page
	pageSize uint32
	kind     Kind

	entries []entry
	// liveBytes is the sum of footprints of live (non-tombstoned) entries;
	// allBytes is the sum over every entry including tombstones. The gap
	// between them is garbage awaiting Purge. remaining is always derived
	// from liveBytes (§3 invariant 3); the physical append cursor is
	// derived from allBytes.
	liveBytes int
	allBytes  int
}

func (bp *BlockPage) appendOffset() int { return PageHeaderSize + bp.allBytes }

// Remaining returns the page's free-byte count per §3 invariant 3.
func (bp *BlockPage) Remaining() int {
	return int(bp.pageSize) - PageHeaderSize - bp.liveBytes
}

// Count returns the number of entries (live and tombstoned) on the page.
func (bp *BlockPage) Count() int { return len(bp.entries) }

// Position is the page's own file position.
func (bp *BlockPage) Position() sheaf.Position { return bp.page.Pos }

// Kind reports whether this is a user or interim page.
func (bp *BlockPage) Kind() Kind { return bp.kind }

// NewUser initializes a freshly taken-into-use user block page.
func NewUser(p *sheaf.Page, pageSize uint32) *BlockPage {
	return initEmpty(p, pageSize, KindUser)
}

// NewInterim initializes a freshly taken-into-use interim block page.
func NewInterim(p *sheaf.Page, pageSize uint32) *BlockPage {
	return initEmpty(p, pageSize, KindInterim)
}

func initEmpty(p *sheaf.Page, pageSize uint32, kind Kind) *BlockPage {
	p.Lock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Unlock()
	bp := &BlockPage{page: p, pageSize: pageSize, kind: kind}
	bp.writeHeader()
	return bp
}

// LoadUser parses an existing page as a user block page, verifying its
// checksum and that the top count bit is set.
func LoadUser(p *sheaf.Page, pageSize uint32) (*BlockPage, error) {
	return load(p, pageSize, KindUser)
}

// LoadInterim parses an existing page as an interim block page, verifying
// its checksum and rejecting a set top count bit as corrupt (§4.3).
func LoadInterim(p *sheaf.Page, pageSize uint32) (*BlockPage, error) {
	return load(p, pageSize, KindInterim)
}

func load(p *sheaf.Page, pageSize uint32, kind Kind) (*BlockPage, error) {
	p.Lock()
	defer p.Unlock()

	wantSum := binary.BigEndian.Uint64(p.Data[0:8])
	if !checksum.Verify(p.Data[8:], wantSum) {
		return nil, errors.Wrapf(ErrCorrupt, "blockpage: checksum mismatch at position %d", p.Pos)
	}

	rawCount := binary.BigEndian.Uint32(p.Data[8:12])
	isUser := rawCount&userCountBit != 0
	if kind == KindInterim && isUser {
		return nil, errors.Wrapf(ErrCorrupt, "blockpage: interim page at %d has user bit set", p.Pos)
	}
	if kind == KindUser && !isUser {
		return nil, errors.Wrapf(ErrCorrupt, "blockpage: user page at %d missing user bit", p.Pos)
	}
	count := rawCount &^ userCountBit

	bp := &BlockPage{page: p, pageSize: pageSize, kind: kind}
	cursor := PageHeaderSize
	for i := uint32(0); i < count; i++ {
		if cursor+BlockHeaderSize > int(pageSize) {
			return nil, errors.Wrapf(ErrCorrupt, "blockpage: entry table overruns page at %d", p.Pos)
		}
		size := int32(binary.BigEndian.Uint32(p.Data[cursor : cursor+4]))
		addr := binary.BigEndian.Uint64(p.Data[cursor+4 : cursor+12])
		e := entry{size: size, address: addr, offset: cursor}
		bp.entries = append(bp.entries, e)
		bp.allBytes += e.footprint()
		if e.live() {
			bp.liveBytes += e.footprint()
		}
		cursor += e.footprint()
	}
	return bp, nil
}

func (bp *BlockPage) writeHeader() {
	count := uint32(len(bp.entries))
	if bp.kind == KindUser {
		count |= userCountBit
	}
	binary.BigEndian.PutUint32(bp.page.Data[8:12], count)
	sum := checksum.Of64(bp.page.Data[8:])
	binary.BigEndian.PutUint64(bp.page.Data[0:8], sum)
	bp.page.MarkDirty()
}

// Allocate appends a new, zero-payload block for address (interim pages
// only, per §4.3). Returns an error if address already has a live entry or
// there isn't enough remaining space.
func (bp *BlockPage) Allocate(address Address, payloadLen int) error {
	if bp.kind != KindInterim {
		return errors.Errorf("blockpage: allocate is interim-only")
	}
	bp.page.Lock()
	defer bp.page.Unlock()

	if _, ok := bp.find(address); ok {
		return errors.Errorf("blockpage: address %d already present", address)
	}
	footprint := BlockHeaderSize + payloadLen
	if bp.Remaining() < footprint {
		return errors.Errorf("blockpage: out of space: need %d, have %d", footprint, bp.Remaining())
	}

	off := bp.appendOffset()
	binary.BigEndian.PutUint32(bp.page.Data[off:off+4], uint32(int32(footprint)))
	binary.BigEndian.PutUint64(bp.page.Data[off+4:off+12], address)
	for i := off + BlockHeaderSize; i < off+footprint; i++ {
		bp.page.Data[i] = 0
	}

	bp.entries = append(bp.entries, entry{size: int32(footprint), address: address, offset: off})
	bp.allBytes += footprint
	bp.liveBytes += footprint
	bp.writeHeader()
	return nil
}

// WritePayload overwrites the payload of an existing live entry for
// address. len(payload) must equal the entry's existing payload length.
func (bp *BlockPage) WritePayload(address Address, payload []byte) error {
	bp.page.Lock()
	defer bp.page.Unlock()

	e, ok := bp.find(address)
	if !ok {
		return errors.Errorf("blockpage: address %d not found", address)
	}
	want := e.footprint() - BlockHeaderSize
	if len(payload) != want {
		return errors.Errorf("blockpage: payload length %d != block capacity %d", len(payload), want)
	}
	copy(bp.page.Data[e.offset+BlockHeaderSize:e.offset+e.footprint()], payload)
	bp.writeHeader()
	return nil
}

// Read returns a copy of the live payload for address, or ok=false.
func (bp *BlockPage) Read(address Address) (data []byte, ok bool) {
	bp.page.Lock()
	defer bp.page.Unlock()

	e, found := bp.find(address)
	if !found {
		return nil, false
	}
	payload := bp.page.Data[e.offset+BlockHeaderSize : e.offset+e.footprint()]
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}

// Free tombstones the live entry for address (negating its stored size) and
// reduces Remaining's live-byte accounting; the physical bytes stay put
// until Purge. Returns whether a live entry was actually found and freed.
func (bp *BlockPage) Free(address Address) bool {
	bp.page.Lock()
	defer bp.page.Unlock()

	for i := range bp.entries {
		e := &bp.entries[i]
		if e.address == address && e.live() {
			binary.BigEndian.PutUint32(bp.page.Data[e.offset:e.offset+4], uint32(int32(-e.size)))
			bp.liveBytes -= e.footprint()
			e.size = -e.size
			bp.writeHeader()
			return true
		}
	}
	return false
}

// Copy appends this page's live entry for address onto dst (a user page)
// with identical size/address/payload; the player's MOVE replay uses it to
// carry a live block from one user page to another.
func (bp *BlockPage) Copy(address Address, dst *BlockPage) error {
	bp.page.Lock()
	e, ok := bp.find(address)
	var payload []byte
	if ok {
		payload = append([]byte(nil), bp.page.Data[e.offset+BlockHeaderSize:e.offset+e.footprint()]...)
	}
	bp.page.Unlock()
	if !ok {
		return errors.Errorf("blockpage: source missing address %d", address)
	}

	dst.page.Lock()
	defer dst.page.Unlock()
	footprint := e.footprint()
	if dst.Remaining() < footprint {
		return errors.Errorf("blockpage: destination has no room for %d bytes", footprint)
	}
	off := dst.appendOffset()
	binary.BigEndian.PutUint32(dst.page.Data[off:off+4], uint32(footprint))
	binary.BigEndian.PutUint64(dst.page.Data[off+4:off+12], address)
	copy(dst.page.Data[off+BlockHeaderSize:off+footprint], payload)
	dst.entries = append(dst.entries, entry{size: int32(footprint), address: address, offset: off})
	dst.allBytes += footprint
	dst.liveBytes += footprint
	dst.writeHeader()
	return nil
}

// Truncate discards every entry after the one whose back-reference is
// lastAddress (user pages only), used to make Move replay idempotent under
// partial application (§4.7): repeated replay truncates back to the same
// point before re-appending, giving deterministic destination content.
// If lastAddress is zero, every entry is discarded.
func (bp *BlockPage) Truncate(lastAddress Address) error {
	if bp.kind != KindUser {
		return errors.Errorf("blockpage: truncate is user-only")
	}
	bp.page.Lock()
	defer bp.page.Unlock()

	cut := 0
	if lastAddress != 0 {
		idx := -1
		for i, e := range bp.entries {
			if e.address == lastAddress {
				idx = i
			}
		}
		if idx < 0 {
			return errors.Errorf("blockpage: truncate point %d not found", lastAddress)
		}
		cut = idx + 1
	}

	var allBytes, liveBytes int
	for _, e := range bp.entries[:cut] {
		allBytes += e.footprint()
		if e.live() {
			liveBytes += e.footprint()
		}
	}
	bp.entries = bp.entries[:cut]
	bp.allBytes = allBytes
	bp.liveBytes = liveBytes

	for i := PageHeaderSize + allBytes; i < int(bp.pageSize); i++ {
		bp.page.Data[i] = 0
	}
	bp.writeHeader()
	return nil
}

// Purge rewrites the page keeping only live entries, reclaiming tombstone
// garbage. The caller is responsible for re-inserting the page into the
// by-remaining table at its new (unchanged, since Purge doesn't change
// Remaining) bucket — Remaining was already computed from live bytes only.
func (bp *BlockPage) Purge() {
	bp.page.Lock()
	defer bp.page.Unlock()

	live := make([]entry, 0, len(bp.entries))
	for _, e := range bp.entries {
		if e.live() {
			live = append(live, e)
		}
	}

	cursor := PageHeaderSize
	rewritten := make([]entry, 0, len(live))
	for _, e := range live {
		payload := append([]byte(nil), bp.page.Data[e.offset+BlockHeaderSize:e.offset+e.footprint()]...)
		binary.BigEndian.PutUint32(bp.page.Data[cursor:cursor+4], uint32(e.footprint()))
		binary.BigEndian.PutUint64(bp.page.Data[cursor+4:cursor+12], e.address)
		copy(bp.page.Data[cursor+BlockHeaderSize:cursor+e.footprint()], payload)
		rewritten = append(rewritten, entry{size: e.size, address: e.address, offset: cursor})
		cursor += e.footprint()
	}
	for i := cursor; i < int(bp.pageSize); i++ {
		bp.page.Data[i] = 0
	}

	bp.entries = rewritten
	bp.allBytes = bp.liveBytes
	bp.writeHeader()
}

// IsEmpty reports whether the page has no live blocks.
func (bp *BlockPage) IsEmpty() bool {
	for _, e := range bp.entries {
		if e.live() {
			return false
		}
	}
	return true
}

// Addresses returns the back-references of every live block, in on-page order.
func (bp *BlockPage) Addresses() []Address {
	out := make([]Address, 0, len(bp.entries))
	for _, e := range bp.entries {
		if e.live() {
			out = append(out, e.address)
		}
	}
	return out
}

func (bp *BlockPage) find(address Address) (entry, bool) {
	for _, e := range bp.entries {
		if e.address == address && e.live() {
			return e, true
		}
	}
	return entry{}, false
}

// String aids debugging/log lines.
func (bp *BlockPage) String() string {
	return fmt.Sprintf("blockpage{pos=%d kind=%d count=%d remaining=%d}", bp.page.Pos, bp.kind, len(bp.entries), bp.Remaining())
}
