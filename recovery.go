package xpack

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/addrlock"
	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/player"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
	"github.com/zhukovaskychina/xpack/logger"
)

// runRecovery implements §6's open-time recovery: replay every journal with
// a non-zero recorded start, then sweep the temporary pool and free every
// address still bound there, finally stamping a soft shutdown. Grounded on
// the teacher's manager/redo_log_manager.go Recover() being the single
// thing main.go calls before accepting client connections.
func runRecovery(h *Header, sh *sheaf.Sheaf, pool *interimpool.Pool, ply *player.Player, temp *addrlock.TemporaryPool) error {
	if h.Soft {
		logger.Debug("xpack: soft shutdown recorded, skipping journal replay")
		return nil
	}

	for i := 0; i < int(h.JournalCount); i++ {
		start := h.JournalStart(i)
		if start == 0 {
			continue
		}
		logger.Infof("xpack: replaying journal %d from cursor %d", i, start)
		if err := ply.Replay(i, journal.Cursor(start), h); err != nil {
			return errors.Wrapf(err, "xpack: recovery replay of journal %d", i)
		}
	}

	addrs, err := temp.ScanAndFreeAll()
	if err != nil {
		return errors.Wrap(err, "xpack: recovery temporary-pool sweep")
	}
	if err := h.SetFirstTemporaryNode(uint64(temp.Head())); err != nil {
		return err
	}
	if len(addrs) > 0 {
		logger.Infof("xpack: freeing %d address(es) left bound in the temporary pool", len(addrs))
		if err := freeAddressesViaJournal(addrs, h, sh, pool, ply); err != nil {
			return errors.Wrap(err, "xpack: recovery temporary-address free")
		}
	}

	return h.SetSoftShutdown(true)
}

// freeAddressesViaJournal issues addrs as FREE operations through a scratch
// journal rather than mutating address pages directly, so a crash partway
// through recovery itself is still safe to replay (§4.7's idempotence
// applies uniformly, recovery included). It borrows the last journal slot,
// safe because no mutator is active until Open returns.
func freeAddressesViaJournal(addrs []uint64, h *Header, sh *sheaf.Sheaf, pool *interimpool.Pool, ply *player.Player) error {
	j, err := journal.New(pool, h.PageSize)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := j.Write(journal.Free{Address: addr}); err != nil {
			return err
		}
	}
	if err := j.Write(journal.Commit{}); err != nil {
		return err
	}
	if err := j.Write(journal.Terminate{}); err != nil {
		return err
	}
	if err := sh.Flush(); err != nil {
		return err
	}

	slot := int(h.JournalCount) - 1
	if err := h.SetJournalStart(slot, j.FirstPosition()); err != nil {
		return err
	}
	if err := h.Force(); err != nil {
		return err
	}
	return ply.Replay(slot, j.FirstOpCursor(), h)
}
