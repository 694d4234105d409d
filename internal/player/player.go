// Package player implements §4.7: replay of a journal's operations against
// the address space and block pages, idempotent under partial replay.
// Grounded on the teacher's manager/redo_log_manager.go Recover() loop
// (read-and-apply until EOF/TERMINATE), generalized from its empty
// "TODO: apply to buffer pool" stub into pack's full per-op effects.
package player

import (
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/addrlock"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
	"github.com/zhukovaskychina/xpack/internal/blockpage"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Header is the subset of the file header the player needs to rewrite while
// replaying CHECKPOINT/COMMIT, implemented by the root package (header.go
// owns the on-disk layout; player only needs to mutate one journal slot and
// fsync).
type Header interface {
	SetJournalStart(journalIndex int, pos sheaf.Position) error
	Force() error
}

// Archiver optionally preserves the journal prefix a CHECKPOINT truncates,
// for forensic inspection after restart. It is never consulted by replay
// itself — a nil Archiver simply means CHECKPOINT only does its required
// flush-and-advance work.
type Archiver interface {
	Archive(sh *sheaf.Sheaf, pageSize uint32, from, to journal.Cursor) error
}

// Player replays one journal's operations against the shared engine state.
type Player struct {
	sh       *sheaf.Sheaf
	pageSize uint32
	boundary *addrspace.Boundary
	locker   *addrlock.Locker
	temp     *addrlock.TemporaryPool
	archiver Archiver
}

// New creates a Player over the given shared state.
func New(sh *sheaf.Sheaf, pageSize uint32, boundary *addrspace.Boundary, locker *addrlock.Locker, temp *addrlock.TemporaryPool) *Player {
	return &Player{sh: sh, pageSize: pageSize, boundary: boundary, locker: locker, temp: temp}
}

// SetArchiver installs an optional CHECKPOINT archiver. Passing nil disables
// archiving.
func (p *Player) SetArchiver(a Archiver) {
	p.archiver = a
}

// Replay executes journalIndex's journal starting at cursor until it reads
// TERMINATE, per §4.7's read-execute-advance loop.
func (p *Player) Replay(journalIndex int, cursor journal.Cursor, header Header) error {
	var latched []uint64
	defer func() {
		for _, a := range latched {
			p.locker.Unlock(a)
		}
	}()

	checkpointFrom := cursor
	for {
		pagePos, offset := cursor.Split(p.pageSize)
		jp, err := p.journalPage(pagePos)
		if err != nil {
			if stderrors.Is(err, journal.ErrChecksumMismatch) {
				// A torn tail: this page was never fully written before a
				// crash. Per §7 that's not corruption, it's the natural end
				// of this journal's recorded history — stop as if TERMINATE
				// had been read.
				return nil
			}
			return err
		}
		// A start recorded as a bare page position begins at that page's
		// first operation.
		if offset < jp.FirstOpOffset() {
			offset = jp.FirstOpOffset()
		}
		op, nextOffset, err := jp.ReadOp(offset)
		if err != nil {
			return err
		}

		switch o := op.(type) {
		case journal.NextOperation:
			cursor = journal.Cursor(o.Pos)
			continue
		case journal.Terminate:
			return nil
		case journal.Checkpoint:
			newStart := journal.Cursor(o.NewStart)
			if p.archiver != nil {
				if err := p.archiver.Archive(p.sh, p.pageSize, checkpointFrom, newStart); err != nil {
					return errors.Wrap(err, "player: archive checkpoint prefix")
				}
			}
			if err := p.sh.Flush(); err != nil {
				return err
			}
			if err := header.SetJournalStart(journalIndex, sheaf.Position(o.NewStart)); err != nil {
				return err
			}
			if err := header.Force(); err != nil {
				return err
			}
			checkpointFrom = newStart
		case journal.Commit:
			if err := header.SetJournalStart(journalIndex, 0); err != nil {
				return err
			}
			if err := header.Force(); err != nil {
				return err
			}
			for _, a := range latched {
				p.locker.Unlock(a)
			}
			latched = nil
		case journal.MovePage:
			if err := p.sh.Rename(o.From, o.To); err != nil {
				return err
			}
		case journal.CreateAddressPage:
			if err := p.applyCreateAddressPage(o); err != nil {
				return err
			}
		case journal.Write:
			if err := p.applyWrite(o); err != nil {
				return err
			}
		case journal.Free:
			if err := p.applyFree(o, &latched); err != nil {
				return err
			}
		case journal.Temporary:
			if err := p.temp.Commit(o.Address, addrlock.NodeRef(o.TempNode)); err != nil {
				return err
			}
		case journal.Move:
			if err := p.applyMove(o); err != nil {
				return err
			}
		default:
			return errors.Errorf("player: unhandled op %T", op)
		}

		cursor = journal.NewCursor(pagePos, nextOffset)
	}
}

func (p *Player) journalPage(pos sheaf.Position) (*journal.Page, error) {
	raw, err := p.sh.Get(pos)
	if err != nil {
		return nil, err
	}
	return journal.LoadPage(raw, p.pageSize)
}

// addressPageFor returns the AddressPage that owns addr. An address's page
// never moves once created, so its page position is simply addr's own
// page-aligned prefix — no Boundary.Adjust is needed here, only for the
// *values* address pages store.
func (p *Player) addressPageFor(addr uint64) (*addrspace.AddressPage, error) {
	pageSize := uint64(p.pageSize)
	pagePos := sheaf.Position(addr - addr%pageSize)
	raw, err := p.sh.Get(pagePos)
	if err != nil {
		return nil, err
	}
	return addrspace.Load(raw, p.pageSize), nil
}

func (p *Player) resolve(pos sheaf.Position) (sheaf.Position, error) {
	p.boundary.RLock()
	defer p.boundary.RUnlock()
	return p.boundary.Adjust(pos, p.sh)
}

func (p *Player) applyCreateAddressPage(o journal.CreateAddressPage) error {
	raw, err := p.sh.Get(o.Position)
	if err != nil {
		return err
	}
	ap := addrspace.Init(raw, p.pageSize)
	ap.SetForwardRef(o.MovedTo)
	return p.boundary.Promote(o.Position)
}

// applyWrite repoints address at interimPos, using the two-pass check of
// §4.7 to detect a race with a concurrent mover before freeing the old
// referent.
func (p *Player) applyWrite(o journal.Write) error {
	ap, err := p.addressPageFor(o.Address)
	if err != nil {
		return err
	}

	first, err := p.resolve(ap.Dereference(addrspace.Address(o.Address)))
	if err != nil {
		return err
	}
	if first == o.InterimPos {
		return nil // already applied
	}

	second, err := p.resolve(ap.Dereference(addrspace.Address(o.Address)))
	if err != nil {
		return err
	}
	if second != first {
		// A concurrent write committed between our two reads; that write is
		// newer than this one, so this replay is superseded. Skip it.
		return nil
	}

	if first != addrspace.Free && first != addrspace.Reserved {
		if _, err := p.freeBlockAt(first, o.Address); err != nil {
			return err
		}
	}
	ap.Set(addrspace.Address(o.Address), o.InterimPos)
	return nil
}

// applyFree latches the address for the remainder of this journal's replay
// (released on its COMMIT), then zeroes its slot after freeing the block it
// currently references, if any.
func (p *Player) applyFree(o journal.Free, latched *[]uint64) error {
	if err := p.locker.Latch(o.Address); err == nil {
		*latched = append(*latched, o.Address)
	}

	ap, err := p.addressPageFor(o.Address)
	if err != nil {
		return err
	}
	pos, err := p.resolve(ap.Dereference(addrspace.Address(o.Address)))
	if err != nil {
		return err
	}
	if pos != addrspace.Free && pos != addrspace.Reserved {
		// Absence here just means a prior partial replay already freed the
		// block; re-zeroing the slot below is still correct.
		if _, err := p.freeBlockAt(pos, o.Address); err != nil {
			return err
		}
	}
	ap.Free(addrspace.Address(o.Address))
	if _, err := p.temp.Free(o.Address); err != nil {
		return err
	}
	return nil
}

func (p *Player) freeBlockAt(pos sheaf.Position, address uint64) (bool, error) {
	raw, err := p.sh.Get(pos)
	if err != nil {
		return false, err
	}
	bp, err := blockpage.LoadUser(raw, p.pageSize)
	if err != nil {
		bp, err = blockpage.LoadInterim(raw, p.pageSize)
		if err != nil {
			return false, err
		}
	}
	return bp.Free(address), nil
}

// applyMove truncates the destination back to truncateAt then re-appends
// every live block from the source, re-pointing each moved address to the
// destination page. Both pages are user block pages (§4.10 vacuum moves
// live content between user pages to compact fragmentation).
func (p *Player) applyMove(o journal.Move) error {
	srcRaw, err := p.sh.Get(o.From)
	if err != nil {
		return err
	}
	src, err := blockpage.LoadUser(srcRaw, p.pageSize)
	if err != nil {
		return err
	}
	dstRaw, err := p.sh.Get(o.To)
	if err != nil {
		return err
	}
	dst, err := blockpage.LoadUser(dstRaw, p.pageSize)
	if err != nil {
		return err
	}

	if err := dst.Truncate(o.TruncateAt); err != nil {
		return err
	}

	addrs := src.Addresses()
	for _, addr := range addrs {
		if err := src.Copy(addr, dst); err != nil {
			return err
		}
	}
	for _, addr := range addrs {
		ap, err := p.addressPageFor(addr)
		if err != nil {
			return err
		}
		ap.Set(addrspace.Address(addr), o.To)
	}
	return nil
}
