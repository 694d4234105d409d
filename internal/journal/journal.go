package journal

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/checksum"
	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// pageHeaderSize is the journal page header of §6: {checksum:i64, flags:i32}.
const pageHeaderSize = 12

// ErrChecksumMismatch marks a journal page whose stored checksum doesn't
// match its contents. Per §7 this is not a hard failure: it means the page
// was never fully written (a torn tail from a crash mid-write), and the
// player treats it the same as reading TERMINATE.
var ErrChecksumMismatch = errors.New("journal: checksum mismatch")

// ErrCorrupt marks a journal page that passed checksum verification (so it
// was fully written) but decodes to something structurally
// invalid: an unknown op tag, a truncated payload, or an out-of-range
// offset. Unlike ErrChecksumMismatch this is not a torn tail and is not
// swallowed by replay.
var ErrCorrupt = errors.New("journal: corrupt")

// nextOpReserve is the worst-case size of a NEXT_OPERATION record, which the
// writer always keeps room for so a page can always be chained onward.
const nextOpReserve = tagSize + 8

// Cursor addresses one operation: a journal page position plus its byte
// offset within that page, packed the same way addrspace.Address and
// byremaining.BlockRef pack a page position with an intra-page offset.
type Cursor uint64

// NewCursor builds a Cursor from a page position and byte offset.
func NewCursor(pos sheaf.Position, offset int) Cursor {
	return Cursor(uint64(pos) + uint64(offset))
}

// Split decomposes a Cursor back into its page position and byte offset.
func (c Cursor) Split(pageSize uint32) (sheaf.Position, int) {
	v := uint64(c)
	pageNo := v - v%uint64(pageSize)
	return sheaf.Position(pageNo), int(v % uint64(pageSize))
}

// Page is the in-memory view over one journal page's raw bytes.
type Page struct {
	page     *sheaf.Page
	pageSize uint32
	cursor   int
	flags    uint32
}

// NewPage initializes a freshly taken-into-use journal page.
func NewPage(p *sheaf.Page, pageSize uint32) *Page {
	p.Lock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Unlock()
	jp := &Page{page: p, pageSize: pageSize, cursor: pageHeaderSize}
	jp.writeHeader()
	return jp
}

// LoadPage parses an existing journal page, verifying its checksum.
func LoadPage(p *sheaf.Page, pageSize uint32) (*Page, error) {
	p.Lock()
	defer p.Unlock()
	want := binary.BigEndian.Uint64(p.Data[0:8])
	if !checksum.Verify(p.Data[8:], want) {
		return nil, errors.Wrapf(ErrChecksumMismatch, "journal: page at position %d", p.Pos)
	}
	flags := binary.BigEndian.Uint32(p.Data[8:12])
	return &Page{page: p, pageSize: pageSize, flags: flags, cursor: pageHeaderSize}, nil
}

// Position is the page's own file position.
func (jp *Page) Position() sheaf.Position { return jp.page.Pos }

// FirstOpOffset is the byte offset of this page's first operation.
func (jp *Page) FirstOpOffset() int { return pageHeaderSize }

func (jp *Page) writeHeader() {
	binary.BigEndian.PutUint32(jp.page.Data[8:12], jp.flags)
	sum := checksum.Of64(jp.page.Data[8:])
	binary.BigEndian.PutUint64(jp.page.Data[0:8], sum)
	jp.page.MarkDirty()
}

// Remaining is the number of unwritten bytes left on the page.
func (jp *Page) Remaining() int { return int(jp.pageSize) - jp.cursor }

// fits reports whether an encoded op of length n can be appended while still
// leaving room for a trailing NEXT_OPERATION record.
func (jp *Page) fits(n int) bool { return jp.Remaining() >= n+nextOpReserve }

// appendRaw writes an already-encoded operation at the current cursor
// without checking the NEXT_OPERATION reserve (callers that just made room,
// or are writing the chaining NEXT_OPERATION itself, use this directly).
func (jp *Page) appendRaw(enc []byte) (offset int, err error) {
	if jp.cursor+len(enc) > int(jp.pageSize) {
		return 0, errors.Errorf("journal: op overflows page at %d", jp.page.Pos)
	}
	jp.page.Lock()
	offset = jp.cursor
	copy(jp.page.Data[jp.cursor:], enc)
	jp.cursor += len(enc)
	jp.page.Unlock()
	jp.writeHeader()
	return offset, nil
}

// ReadOp decodes one operation starting at byte offset, returning it and the
// offset immediately following it.
func (jp *Page) ReadOp(offset int) (Op, int, error) {
	jp.page.Lock()
	defer jp.page.Unlock()
	if offset < 0 || offset >= int(jp.pageSize) {
		return nil, 0, errors.Wrapf(ErrCorrupt, "journal: offset %d out of range", offset)
	}
	op, n, err := Decode(jp.page.Data[offset:])
	if err != nil {
		return nil, 0, err
	}
	return op, offset + n, nil
}

// Journal is the writer side of §4.6: a mutator-owned chain of journal pages
// accumulating operations until Commit/Terminate, fsynced by the caller.
type Journal struct {
	pool     *interimpool.Pool
	pageSize uint32

	first   sheaf.Position
	current *Page
	pages   []sheaf.Position
}

// New starts a fresh journal, taking its first page from pool.
func New(pool *interimpool.Pool, pageSize uint32) (*Journal, error) {
	p, err := pool.Take()
	if err != nil {
		return nil, err
	}
	jp := NewPage(p, pageSize)
	return &Journal{pool: pool, pageSize: pageSize, first: p.Pos, current: jp, pages: []sheaf.Position{p.Pos}}, nil
}

// Pages returns every page position this journal has taken from its pool,
// for a caller that must release them back on rollback (a journal that was
// never committed leaves no header reference to these positions).
func (j *Journal) Pages() []sheaf.Position { return j.pages }

// FirstPosition is this journal's header value: the position of its first
// page, which recovery seeks to.
func (j *Journal) FirstPosition() sheaf.Position { return j.first }

// FirstOpCursor is the Cursor of this journal's very first operation.
func (j *Journal) FirstOpCursor() Cursor {
	return NewCursor(j.first, pageHeaderSize)
}

// Write appends op, chaining to a new page via NEXT_OPERATION if it would
// not otherwise fit with room left for a future NEXT_OPERATION.
func (j *Journal) Write(op Op) error {
	enc := op.Encode()
	if !j.current.fits(len(enc)) {
		next, err := j.pool.Take()
		if err != nil {
			return err
		}
		nextPage := NewPage(next, j.pageSize)
		chain := NextOperation{Pos: uint64(NewCursor(next.Pos, pageHeaderSize))}
		if _, err := j.current.appendRaw(chain.Encode()); err != nil {
			return err
		}
		j.current = nextPage
		j.pages = append(j.pages, next.Pos)
	}
	_, err := j.current.appendRaw(enc)
	return err
}

// CurrentPosition is the journal's current tail page.
func (j *Journal) CurrentPosition() sheaf.Position { return j.current.Position() }

// WriteCheckpoint appends a CHECKPOINT op whose NewStart points at the
// operation immediately following it, chaining to a fresh page first if the
// current one has no room left for it. Unlike Write, the op's own payload
// depends on where it ends up, so the chaining decision and the payload are
// computed together here rather than via Write.
func (j *Journal) WriteCheckpoint() error {
	enc := Checkpoint{}.Encode()
	if !j.current.fits(len(enc)) {
		next, err := j.pool.Take()
		if err != nil {
			return err
		}
		nextPage := NewPage(next, j.pageSize)
		chain := NextOperation{Pos: uint64(NewCursor(next.Pos, pageHeaderSize))}
		if _, err := j.current.appendRaw(chain.Encode()); err != nil {
			return err
		}
		j.current = nextPage
		j.pages = append(j.pages, next.Pos)
	}
	newStart := NewCursor(j.current.Position(), j.current.cursor+len(enc))
	_, err := j.current.appendRaw(Checkpoint{NewStart: uint64(newStart)}.Encode())
	return err
}
