// Package archive implements an optional, write-only forensic log of the
// journal prefix each CHECKPOINT op truncates (§4.7): once a CHECKPOINT
// advances a journal's start position, replay never needs that prefix
// again, but a post-mortem inspection of what actually ran might. Grounded
// on the teacher's manager/redo_log_manager.go rollover, which similarly
// discards a log segment once its checkpoint lands; this package instead
// of discarding, lz4-compresses the segment and appends it to a side file.
//
// Archiving is strictly best-effort: a failure here must never stop
// replay, so callers own the decision of whether to surface Archive's
// error or merely log it.
package archive

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xpack/internal/checksum"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// frameHeaderSize is one archive frame's {length:u32, checksum:u64} prefix.
const frameHeaderSize = 12

// Archiver appends lz4-compressed, checksummed frames of archived journal
// operations to a rolling "<pack-file>.journal-archive" file.
type Archiver struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens, creating if necessary, the archive file alongside packPath.
func Open(packPath string) (*Archiver, error) {
	f, err := os.OpenFile(packPath+".journal-archive", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Archiver{f: f}, nil
}

// Close closes the underlying file.
func (a *Archiver) Close() error {
	return a.f.Close()
}

// Archive re-encodes every operation in [from, to), lz4-compresses the
// result, and appends one framed record. A prefix with no operations (from
// == to) is a no-op.
func (a *Archiver) Archive(sh *sheaf.Sheaf, pageSize uint32, from, to journal.Cursor) error {
	raw, err := collectOps(sh, pageSize, from, to)
	if err != nil || len(raw) == 0 {
		return err
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	frame := make([]byte, frameHeaderSize+compressed.Len())
	binary.BigEndian.PutUint32(frame[0:4], uint32(compressed.Len()))
	binary.BigEndian.PutUint64(frame[4:12], checksum.Of64(compressed.Bytes()))
	copy(frame[frameHeaderSize:], compressed.Bytes())

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.f.Write(frame)
	return err
}

// collectOps walks the journal chain from cursor "from" up to (but not
// including) "to", re-encoding each operation it passes over. NEXT_OPERATION
// records are followed, not archived, matching the player's own replay loop.
func collectOps(sh *sheaf.Sheaf, pageSize uint32, from, to journal.Cursor) ([]byte, error) {
	var out []byte
	cursor := from
	for cursor != to {
		pagePos, offset := cursor.Split(pageSize)
		page, err := sh.Get(pagePos)
		if err != nil {
			return nil, err
		}
		jp, err := journal.LoadPage(page, pageSize)
		if err != nil {
			return nil, err
		}
		op, nextOffset, err := jp.ReadOp(offset)
		if err != nil {
			return nil, err
		}
		if next, ok := op.(journal.NextOperation); ok {
			cursor = journal.Cursor(next.Pos)
			continue
		}
		out = append(out, op.Encode()...)
		cursor = journal.NewCursor(pagePos, nextOffset)
	}
	return out, nil
}
