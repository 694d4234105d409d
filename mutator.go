// Package xpack's Mutator implements §4.8: the client-facing transaction
// handle over allocate/write/free/read/temporary, backed by one journal per
// mutator and committed or rolled back exactly once. Grounded on the
// teacher's session/mysql_conn.go transaction handle shape (one connection,
// one outstanding statement at a time, explicit commit/rollback).
package xpack

import (
	pkgerrors "github.com/pkg/errors"

	jujuerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xpack/internal/addrspace"
	"github.com/zhukovaskychina/xpack/internal/blockpage"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Mutator is a single in-flight transaction: every allocate/write/free call
// stages a journal operation and, for allocate/write/temporary, an interim block page
// entry. Nothing becomes visible to other mutators until Commit replays the
// journal; Rollback discards everything staged instead.
type Mutator struct {
	pack    *Pack
	slot    int
	journal *journal.Journal

	// pending mirrors this transaction's own not-yet-committed writes, so
	// Read sees its own uncommitted payload instead of the last committed
	// one (§4.8 read-your-own-writes).
	pending map[uint64][]byte
	freed   map[uint64]bool

	reserved     []uint64
	interimPages []*blockpage.BlockPage

	closed bool
}

// Allocate reserves a fresh address and stages a zero-filled block for it.
func (m *Mutator) Allocate(size int) (addrspace.Address, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	addr, err := m.pack.reserveAddress()
	if err != nil {
		return 0, jujuerrors.Annotate(err, "xpack: allocate")
	}
	m.reserved = append(m.reserved, uint64(addr))
	if err := m.stage(uint64(addr), make([]byte, size)); err != nil {
		return 0, jujuerrors.Annotate(err, "xpack: allocate")
	}
	return addr, nil
}

// Write stages data as address's new content, replacing whatever it
// currently points to once this transaction commits.
func (m *Mutator) Write(address addrspace.Address, data []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.stage(uint64(address), data); err != nil {
		return jujuerrors.Annotate(err, "xpack: write")
	}
	return nil
}

func (m *Mutator) stage(addr uint64, data []byte) error {
	bp, err := m.findOrCreateInterimPage(len(data), addr)
	if err != nil {
		return err
	}
	if err := bp.Allocate(addr, len(data)); err != nil {
		return err
	}
	if err := bp.WritePayload(addr, data); err != nil {
		return err
	}
	if err := m.journal.Write(journal.Write{Address: addr, InterimPos: bp.Position()}); err != nil {
		return err
	}
	if m.pending == nil {
		m.pending = make(map[uint64][]byte)
	}
	m.pending[addr] = append([]byte(nil), data...)
	if m.freed != nil {
		delete(m.freed, addr)
	}
	return nil
}

// findOrCreateInterimPage returns one of this transaction's already-open
// interim pages with room for need bytes and no existing entry for addr
// (§4.8's "found via the by-remaining table" restated for a mutator's own
// small, in-memory set of open interim pages rather than the persisted
// table, which only ever indexes committed user pages — see DESIGN.md),
// taking a fresh page from the shared pool when none qualifies.
func (m *Mutator) findOrCreateInterimPage(need int, addr uint64) (*blockpage.BlockPage, error) {
	footprint := blockpage.BlockHeaderSize + need
	for _, bp := range m.interimPages {
		if bp.Remaining() < footprint {
			continue
		}
		if _, ok := bp.Read(addr); ok {
			continue
		}
		return bp, nil
	}

	pg, err := m.pack.interim.Take()
	if err != nil {
		return nil, err
	}
	bp := blockpage.NewInterim(pg, m.pack.header.PageSize)
	m.interimPages = append(m.interimPages, bp)
	return bp, nil
}

// Free stages address for release. A static address can never be freed.
func (m *Mutator) Free(address addrspace.Address) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	addr := uint64(address)
	if m.pack.statics.IsStatic(addr) {
		return jujuerrors.Annotate(ErrFreedStatic, "xpack: free")
	}
	if err := m.journal.Write(journal.Free{Address: addr}); err != nil {
		return jujuerrors.Annotate(err, "xpack: free")
	}
	if m.pending != nil {
		delete(m.pending, addr)
	}
	if m.freed == nil {
		m.freed = make(map[uint64]bool)
	}
	m.freed[addr] = true
	return nil
}

// Temporary allocates size bytes the way Allocate does, additionally binding
// the address to a temporary-reference node that open-time recovery frees
// automatically if this pack is never explicitly closed cleanly (§4.9).
func (m *Mutator) Temporary(size int) (addrspace.Address, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	addr, err := m.Allocate(size)
	if err != nil {
		return 0, err
	}
	node, err := m.pack.temp.Allocate()
	if err != nil {
		return 0, jujuerrors.Annotate(err, "xpack: temporary")
	}
	if err := m.journal.Write(journal.Temporary{Address: uint64(addr), TempNode: uint64(node)}); err != nil {
		return 0, jujuerrors.Annotate(err, "xpack: temporary")
	}
	return addr, nil
}

// Read returns address's current payload, preferring this transaction's own
// uncommitted write over the last committed value.
func (m *Mutator) Read(address addrspace.Address) ([]byte, error) {
	addr := uint64(address)
	if data, ok := m.pending[addr]; ok {
		return append([]byte(nil), data...), nil
	}
	if m.freed[addr] {
		return nil, jujuerrors.Annotate(ErrFreedAddress, "xpack: read")
	}
	data, err := m.pack.readCommitted(address)
	if err != nil {
		return nil, jujuerrors.Annotate(err, "xpack: read")
	}
	return data, nil
}

// readCommitted dereferences address against the last committed state,
// resolving a stale position across any intervening page promotion.
func (p *Pack) readCommitted(address addrspace.Address) ([]byte, error) {
	pageSize := p.header.PageSize
	pagePos := sheaf.Position(uint64(address) - uint64(address)%uint64(pageSize))
	raw, err := p.sh.Get(pagePos)
	if err != nil {
		return nil, err
	}
	ap := addrspace.Load(raw, pageSize)
	pos := ap.Dereference(address)
	if pos == addrspace.Free || pos == addrspace.Reserved {
		return nil, ErrFreedAddress
	}

	resolved, err := p.resolve(pos)
	if err != nil {
		return nil, err
	}
	blockRaw, err := p.sh.Get(resolved)
	if err != nil {
		return nil, err
	}
	bp, err := blockpage.LoadUser(blockRaw, pageSize)
	if err != nil {
		bp, err = blockpage.LoadInterim(blockRaw, pageSize)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "xpack: load block page")
		}
	}
	data, ok := bp.Read(uint64(address))
	if !ok {
		return nil, ErrFreedAddress
	}
	return data, nil
}

// Commit writes this transaction's COMMIT/TERMINATE, fsyncs, then replays
// its journal to make every staged effect visible and durable.
func (m *Mutator) Commit() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if len(m.journal.Pages()) > 1 {
		// A journal spanning more than one page is, by the time Commit runs,
		// already fully staged: emitting CHECKPOINT here is safe even though
		// TERMINATE hasn't been written yet, because replay only reaches this
		// op after everything past it already exists on disk.
		if err := m.journal.WriteCheckpoint(); err != nil {
			return jujuerrors.Annotate(err, "xpack: commit checkpoint")
		}
	}
	if err := m.journal.Write(journal.Commit{}); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}
	if err := m.journal.Write(journal.Terminate{}); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}
	if err := m.pack.sh.Flush(); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}
	if err := m.pack.header.SetJournalStart(m.slot, m.journal.FirstPosition()); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}
	if err := m.pack.header.Force(); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}
	if err := m.pack.ply.Replay(m.slot, m.journal.FirstOpCursor(), m.pack.header); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit replay")
	}
	if err := m.pack.header.SetFirstTemporaryNode(uint64(m.pack.temp.Head())); err != nil {
		return jujuerrors.Annotate(err, "xpack: commit")
	}

	for addr := range m.freed {
		if err := m.pack.maybeReaddAddressPage(addr); err != nil {
			return jujuerrors.Annotate(err, "xpack: commit")
		}
	}
	for _, pos := range m.journal.Pages() {
		m.pack.interim.Release(pos)
	}

	m.closed = true
	m.pack.slots <- m.slot
	return nil
}

// Rollback discards every staged effect: reserved addresses are freed
// in-place, and every interim/journal page this transaction took is
// returned to the pool unused.
func (m *Mutator) Rollback() error {
	if m.closed {
		return nil
	}
	for _, addr := range m.reserved {
		if err := m.pack.unreserve(addr); err != nil {
			return jujuerrors.Annotate(err, "xpack: rollback")
		}
	}
	for _, pos := range m.journal.Pages() {
		m.pack.interim.Release(pos)
	}
	for _, bp := range m.interimPages {
		m.pack.interim.Release(bp.Position())
	}

	m.closed = true
	m.pack.slots <- m.slot
	return nil
}

func (m *Mutator) checkOpen() error {
	if m.closed {
		return pkgerrors.New("xpack: mutator already committed or rolled back")
	}
	return nil
}
