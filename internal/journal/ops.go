// Package journal implements the §4.6 journal: a linked list of journal
// pages holding a sequence of variable-length operations terminated by
// TERMINATE, plus the writer that chains pages together. Grounded on the
// teacher's manager/redo_log_manager.go (sequential binary.Write/Read
// append-only log, Recover/Checkpoint/Close shape), rewired from a flat
// LSN-indexed file onto pack's page-chained, big-endian, fsync-fenced model.
package journal

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Tag identifies an operation's type (§4.6 table).
type Tag uint16

const (
	TagNextOperation      Tag = 1
	TagMovePage           Tag = 2
	TagCreateAddressPage  Tag = 3
	TagWrite              Tag = 4
	TagFree               Tag = 5
	TagTemporary          Tag = 6
	TagMove               Tag = 7
	TagCheckpoint         Tag = 8
	TagCommit             Tag = 9
	TagTerminate          Tag = 10
)

// tagSize is the 2-byte tag prefix common to every operation.
const tagSize = 2

// Op is one journal operation: a tag plus a fixed payload.
type Op interface {
	Tag() Tag
	// Encode returns the wire form: 2-byte tag followed by the payload.
	Encode() []byte
}

// NextOperation seeks the player/writer cursor to Pos, chaining journal pages.
type NextOperation struct{ Pos uint64 }

func (NextOperation) Tag() Tag { return TagNextOperation }
func (o NextOperation) Encode() []byte {
	b := make([]byte, tagSize+8)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagNextOperation))
	binary.BigEndian.PutUint64(b[2:10], o.Pos)
	return b
}

// MovePage renames a raw page position in the sheaf (MOVE_PAGE).
type MovePage struct{ From, To sheaf.Position }

func (MovePage) Tag() Tag { return TagMovePage }
func (o MovePage) Encode() []byte {
	b := make([]byte, tagSize+16)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagMovePage))
	binary.BigEndian.PutUint64(b[2:10], uint64(o.From))
	binary.BigEndian.PutUint64(b[10:18], uint64(o.To))
	return b
}

// CreateAddressPage reinitializes Position as an address page whose slot 0
// (forward reference) is set to MovedTo.
type CreateAddressPage struct {
	Position sheaf.Position
	MovedTo  sheaf.Position
}

func (CreateAddressPage) Tag() Tag { return TagCreateAddressPage }
func (o CreateAddressPage) Encode() []byte {
	b := make([]byte, tagSize+16)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagCreateAddressPage))
	binary.BigEndian.PutUint64(b[2:10], uint64(o.Position))
	binary.BigEndian.PutUint64(b[10:18], uint64(o.MovedTo))
	return b
}

// Write repoints Address at InterimPos, freeing the old referent if any.
type Write struct {
	Address    uint64
	InterimPos sheaf.Position
}

func (Write) Tag() Tag { return TagWrite }
func (o Write) Encode() []byte {
	b := make([]byte, tagSize+16)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagWrite))
	binary.BigEndian.PutUint64(b[2:10], o.Address)
	binary.BigEndian.PutUint64(b[10:18], uint64(o.InterimPos))
	return b
}

// Free frees the block at Address, pinning it via the address locker.
type Free struct{ Address uint64 }

func (Free) Tag() Tag { return TagFree }
func (o Free) Encode() []byte {
	b := make([]byte, tagSize+8)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagFree))
	binary.BigEndian.PutUint64(b[2:10], o.Address)
	return b
}

// Temporary binds a temporary-reference node to Address.
type Temporary struct {
	Address  uint64
	TempNode uint64
}

func (Temporary) Tag() Tag { return TagTemporary }
func (o Temporary) Encode() []byte {
	b := make([]byte, tagSize+16)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagTemporary))
	binary.BigEndian.PutUint64(b[2:10], o.Address)
	binary.BigEndian.PutUint64(b[10:18], o.TempNode)
	return b
}

// Move copies live blocks From a page To another, truncated back to
// TruncateAt before re-appending (idempotent replay, §4.7).
type Move struct {
	From, To   sheaf.Position
	TruncateAt uint64
}

func (Move) Tag() Tag { return TagMove }
func (o Move) Encode() []byte {
	b := make([]byte, tagSize+24)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagMove))
	binary.BigEndian.PutUint64(b[2:10], uint64(o.From))
	binary.BigEndian.PutUint64(b[10:18], uint64(o.To))
	binary.BigEndian.PutUint64(b[18:26], o.TruncateAt)
	return b
}

// Checkpoint flushes dirty pages and advances the journal header to NewStart.
type Checkpoint struct{ NewStart uint64 }

func (Checkpoint) Tag() Tag { return TagCheckpoint }
func (o Checkpoint) Encode() []byte {
	b := make([]byte, tagSize+8)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagCheckpoint))
	binary.BigEndian.PutUint64(b[2:10], o.NewStart)
	return b
}

// Commit rewrites the journal header with 0 and fsyncs.
type Commit struct{}

func (Commit) Tag() Tag          { return TagCommit }
func (Commit) Encode() []byte {
	b := make([]byte, tagSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagCommit))
	return b
}

// Terminate stops replay.
type Terminate struct{}

func (Terminate) Tag() Tag          { return TagTerminate }
func (Terminate) Encode() []byte {
	b := make([]byte, tagSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(TagTerminate))
	return b
}

// payloadSize returns the byte length of tag's fixed payload, excluding the
// 2-byte tag itself.
func payloadSize(tag Tag) (int, error) {
	switch tag {
	case TagNextOperation, TagFree, TagCheckpoint:
		return 8, nil
	case TagMovePage, TagCreateAddressPage, TagWrite, TagTemporary:
		return 16, nil
	case TagMove:
		return 24, nil
	case TagCommit, TagTerminate:
		return 0, nil
	default:
		return 0, errors.Wrapf(ErrCorrupt, "journal: unknown op tag %d", tag)
	}
}

// Decode parses one operation starting at data[0], returning it and the
// number of bytes consumed (tag + payload).
func Decode(data []byte) (Op, int, error) {
	if len(data) < tagSize {
		return nil, 0, errors.Wrap(ErrCorrupt, "journal: truncated op tag")
	}
	tag := Tag(binary.BigEndian.Uint16(data[0:2]))
	n, err := payloadSize(tag)
	if err != nil {
		return nil, 0, err
	}
	total := tagSize + n
	if len(data) < total {
		return nil, 0, errors.Wrapf(ErrCorrupt, "journal: truncated op payload for tag %d", tag)
	}
	p := data[tagSize:total]

	switch tag {
	case TagNextOperation:
		return NextOperation{Pos: binary.BigEndian.Uint64(p[0:8])}, total, nil
	case TagMovePage:
		return MovePage{From: sheaf.Position(binary.BigEndian.Uint64(p[0:8])), To: sheaf.Position(binary.BigEndian.Uint64(p[8:16]))}, total, nil
	case TagCreateAddressPage:
		return CreateAddressPage{Position: sheaf.Position(binary.BigEndian.Uint64(p[0:8])), MovedTo: sheaf.Position(binary.BigEndian.Uint64(p[8:16]))}, total, nil
	case TagWrite:
		return Write{Address: binary.BigEndian.Uint64(p[0:8]), InterimPos: sheaf.Position(binary.BigEndian.Uint64(p[8:16]))}, total, nil
	case TagFree:
		return Free{Address: binary.BigEndian.Uint64(p[0:8])}, total, nil
	case TagTemporary:
		return Temporary{Address: binary.BigEndian.Uint64(p[0:8]), TempNode: binary.BigEndian.Uint64(p[8:16])}, total, nil
	case TagMove:
		return Move{From: sheaf.Position(binary.BigEndian.Uint64(p[0:8])), To: sheaf.Position(binary.BigEndian.Uint64(p[8:16])), TruncateAt: binary.BigEndian.Uint64(p[16:24])}, total, nil
	case TagCheckpoint:
		return Checkpoint{NewStart: binary.BigEndian.Uint64(p[0:8])}, total, nil
	case TagCommit:
		return Commit{}, total, nil
	case TagTerminate:
		return Terminate{}, total, nil
	default:
		return nil, 0, errors.Wrapf(ErrCorrupt, "journal: unknown op tag %d", tag)
	}
}
