// Package xpack is the root of the pack engine: the on-disk header (this
// file), the Pack type and its Open/Close/Stats surface (pack.go), the
// client-facing Mutator (mutator.go), open-time recovery (recovery.go), and
// the static block map (staticblock.go). Grounded throughout on the
// teacher's top-level wiring in main.go and server/conf/config.go — load
// config, open storage, build the shared service set, accept client calls.
package xpack

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// signature is the magic value stamped at header offset 0.
const signature = uint64(0x5850_4143_4B5F_3031) // "XPACK_01"

const (
	shutdownHard uint32 = 0
	shutdownSoft uint32 = 1
)

// Fixed header field offsets, per §6's bit-exact layout.
const (
	offSignature           = 0
	offShutdownFlag        = 8
	offPageSize            = 12
	offAlignment           = 16
	offJournalCount        = 20
	offStaticBlockCount    = 24
	offHeaderSize          = 28
	offAddressPagePoolSize = 32
	offAddressBoundary     = 36
	offAddressLookupPool   = 44
	offFirstTemporaryNode  = 52
	offByRemainingTable    = 60
	fixedHeaderSize        = 68
)

// Header is the in-memory view over the pack file's fixed header plus the
// per-journal start-position array and the static block map. It implements
// player.Header so the same type serves both bootstrap and replay.
type Header struct {
	sh *sheaf.Sheaf

	Signature uint64
	Soft      bool

	PageSize            uint32
	Alignment           uint32
	JournalCount        uint32
	StaticBlockCount    uint32
	HeaderSize          uint32
	AddressPagePoolSize uint32

	AddressBoundary    sheaf.Position
	AddressLookupPool  sheaf.Position
	FirstTemporaryNode uint64
	ByRemainingTable   sheaf.Position

	journalStarts []sheaf.Position

	// staticBlocks is the raw encoded static block map, read once at open
	// and handed to staticblock.Load; it is not re-parsed on every access.
	staticBlocks []byte
}

// bootstrapOptions carries the fields only a fresh Open(create) call needs.
type bootstrapOptions struct {
	PageSize            uint32
	Alignment           uint32
	JournalCount        uint32
	AddressPagePoolSize uint32
}

// NewHeader stamps a fresh header for a brand-new pack file. The address
// region, and thus AddressBoundary, starts immediately above the header,
// rounded up to the next page boundary.
func NewHeader(sh *sheaf.Sheaf, opts bootstrapOptions) *Header {
	h := &Header{
		sh:                  sh,
		Signature:           signature,
		Soft:                false,
		PageSize:            opts.PageSize,
		Alignment:           opts.Alignment,
		JournalCount:        opts.JournalCount,
		StaticBlockCount:    0,
		AddressPagePoolSize: opts.AddressPagePoolSize,
		journalStarts:       make([]sheaf.Position, opts.JournalCount),
	}
	h.HeaderSize = uint32(h.encodedSize())
	return h
}

// AddressRegionStart is the first position the address region may occupy:
// the header size rounded up to the next page boundary. Open's bootstrap
// path creates the initial AddressPagePoolSize address pages starting here
// before setting AddressBoundary past them.
func (h *Header) AddressRegionStart() sheaf.Position {
	return roundUpToPage(sheaf.Position(h.HeaderSize), h.PageSize)
}

func roundUpToPage(pos sheaf.Position, pageSize uint32) sheaf.Position {
	p := sheaf.Position(pageSize)
	if pos%p == 0 {
		return pos
	}
	return (pos/p + 1) * p
}

func (h *Header) encodedSize() int {
	n := fixedHeaderSize + 8*int(h.JournalCount)
	n += len(h.staticBlocks)
	return n
}

// LoadHeader reads and decodes the header from the start of the file.
func LoadHeader(sh *sheaf.Sheaf) (*Header, error) {
	// Read a generous prefix first to learn headerSize, then re-read exactly
	// that many bytes; static block maps can be arbitrarily large.
	probe, err := sh.ReadHeader(fixedHeaderSize)
	if err != nil {
		return nil, errors.Wrap(err, "xpack: read header prefix")
	}
	sig := binary.BigEndian.Uint64(probe[offSignature : offSignature+8])
	if sig != signature {
		return nil, errors.Wrap(ErrSignature, "xpack: load header")
	}
	headerSize := binary.BigEndian.Uint32(probe[offHeaderSize : offHeaderSize+4])
	if headerSize < fixedHeaderSize {
		return nil, errors.Wrapf(ErrHeaderCorrupt, "xpack: load header: headerSize %d smaller than fixed header", headerSize)
	}
	if fileSize := uint64(sh.Size()); fileSize < uint64(headerSize) {
		return nil, errors.Wrapf(ErrFileSize, "xpack: load header: file size %d smaller than headerSize %d", fileSize, headerSize)
	}

	full, err := sh.ReadHeader(int(headerSize))
	if err != nil {
		return nil, errors.Wrap(err, "xpack: read full header")
	}

	h := &Header{sh: sh, Signature: sig}
	shutdownFlag := binary.BigEndian.Uint32(full[offShutdownFlag : offShutdownFlag+4])
	if shutdownFlag != shutdownHard && shutdownFlag != shutdownSoft {
		return nil, errors.Wrapf(ErrShutdown, "xpack: load header: shutdown flag %d is neither hard nor soft", shutdownFlag)
	}
	h.Soft = shutdownFlag == shutdownSoft
	h.PageSize = binary.BigEndian.Uint32(full[offPageSize : offPageSize+4])
	h.Alignment = binary.BigEndian.Uint32(full[offAlignment : offAlignment+4])
	h.JournalCount = binary.BigEndian.Uint32(full[offJournalCount : offJournalCount+4])
	h.StaticBlockCount = binary.BigEndian.Uint32(full[offStaticBlockCount : offStaticBlockCount+4])
	h.HeaderSize = headerSize
	h.AddressPagePoolSize = binary.BigEndian.Uint32(full[offAddressPagePoolSize : offAddressPagePoolSize+4])
	h.AddressBoundary = sheaf.Position(binary.BigEndian.Uint64(full[offAddressBoundary : offAddressBoundary+8]))
	h.AddressLookupPool = sheaf.Position(binary.BigEndian.Uint64(full[offAddressLookupPool : offAddressLookupPool+8]))
	h.FirstTemporaryNode = binary.BigEndian.Uint64(full[offFirstTemporaryNode : offFirstTemporaryNode+8])
	h.ByRemainingTable = sheaf.Position(binary.BigEndian.Uint64(full[offByRemainingTable : offByRemainingTable+8]))

	cursor := fixedHeaderSize
	h.journalStarts = make([]sheaf.Position, h.JournalCount)
	for i := range h.journalStarts {
		h.journalStarts[i] = sheaf.Position(binary.BigEndian.Uint64(full[cursor : cursor+8]))
		cursor += 8
	}
	h.staticBlocks = append([]byte(nil), full[cursor:]...)
	return h, nil
}

// JournalStart returns the recorded start position for journalIndex, or 0 if
// that journal is idle.
func (h *Header) JournalStart(journalIndex int) sheaf.Position {
	return h.journalStarts[journalIndex]
}

// SetJournalStart records pos as journalIndex's current start, implementing
// player.Header. It does not itself fsync; call Force for that.
func (h *Header) SetJournalStart(journalIndex int, pos sheaf.Position) error {
	if journalIndex < 0 || journalIndex >= len(h.journalStarts) {
		return errors.Errorf("xpack: journal index %d out of range", journalIndex)
	}
	h.journalStarts[journalIndex] = pos
	return h.write()
}

// SetAddressBoundary persists a grown address boundary.
func (h *Header) SetAddressBoundary(pos sheaf.Position) error {
	h.AddressBoundary = pos
	return h.write()
}

// SetByRemainingTable persists the by-remaining metadata page position.
func (h *Header) SetByRemainingTable(pos sheaf.Position) error {
	h.ByRemainingTable = pos
	return h.write()
}

// SetAddressLookupPool persists the position of the address-page table's metadata page.
func (h *Header) SetAddressLookupPool(pos sheaf.Position) error {
	h.AddressLookupPool = pos
	return h.write()
}

// SetFirstTemporaryNode persists the temporary pool's list head.
func (h *Header) SetFirstTemporaryNode(node uint64) error {
	h.FirstTemporaryNode = node
	return h.write()
}

// SetStaticBlocks installs the encoded static block map, advancing
// HeaderSize and StaticBlockCount to match.
func (h *Header) SetStaticBlocks(count uint32, encoded []byte) error {
	h.StaticBlockCount = count
	h.staticBlocks = encoded
	h.HeaderSize = uint32(h.encodedSize())
	return h.write()
}

// SetSoftShutdown flips the shutdown flag to SOFT, meaning the engine closed
// cleanly and recovery may be skipped on the next open.
func (h *Header) SetSoftShutdown(soft bool) error {
	h.Soft = soft
	return h.write()
}

// Force fsyncs the underlying file, implementing player.Header.
func (h *Header) Force() error {
	return h.sh.Force()
}

// write serializes the full header and writes it at file offset 0.
func (h *Header) write() error {
	buf := make([]byte, h.encodedSize())
	binary.BigEndian.PutUint64(buf[offSignature:offSignature+8], signature)
	shutdown := shutdownHard
	if h.Soft {
		shutdown = shutdownSoft
	}
	binary.BigEndian.PutUint32(buf[offShutdownFlag:offShutdownFlag+4], shutdown)
	binary.BigEndian.PutUint32(buf[offPageSize:offPageSize+4], h.PageSize)
	binary.BigEndian.PutUint32(buf[offAlignment:offAlignment+4], h.Alignment)
	binary.BigEndian.PutUint32(buf[offJournalCount:offJournalCount+4], h.JournalCount)
	binary.BigEndian.PutUint32(buf[offStaticBlockCount:offStaticBlockCount+4], h.StaticBlockCount)
	binary.BigEndian.PutUint32(buf[offHeaderSize:offHeaderSize+4], h.HeaderSize)
	binary.BigEndian.PutUint32(buf[offAddressPagePoolSize:offAddressPagePoolSize+4], h.AddressPagePoolSize)
	binary.BigEndian.PutUint64(buf[offAddressBoundary:offAddressBoundary+8], uint64(h.AddressBoundary))
	binary.BigEndian.PutUint64(buf[offAddressLookupPool:offAddressLookupPool+8], uint64(h.AddressLookupPool))
	binary.BigEndian.PutUint64(buf[offFirstTemporaryNode:offFirstTemporaryNode+8], h.FirstTemporaryNode)
	binary.BigEndian.PutUint64(buf[offByRemainingTable:offByRemainingTable+8], uint64(h.ByRemainingTable))

	cursor := fixedHeaderSize
	for _, pos := range h.journalStarts {
		binary.BigEndian.PutUint64(buf[cursor:cursor+8], uint64(pos))
		cursor += 8
	}
	copy(buf[cursor:], h.staticBlocks)

	if err := h.sh.WriteHeader(buf); err != nil {
		return errors.Wrap(err, "xpack: write header")
	}
	return nil
}
