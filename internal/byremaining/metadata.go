package byremaining

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// metadataEntrySize is one persisted bucket entry: {bucketIdx:i32, capIdx:i32, head:u64}.
const metadataEntrySize = 16
const metadataHeaderSize = 8 // {alignment:u32, count:u32}

// Metadata is the §3 "by-remaining metadata page": the single page recording
// alignment plus every bucket's (capIdx, head-of-list) pair, so a Table's
// in-memory bucket map can be rebuilt across a restart. Grounded on the same
// fixed-slot-array shape as addrspace.AddressPage, one entry per occupied
// bucket rather than one per address.
type Metadata struct {
	sh       *sheaf.Sheaf
	page     *sheaf.Page
	pageSize uint32
}

// NewMetadata initializes a fresh, empty metadata page at pos.
func NewMetadata(sh *sheaf.Sheaf, pos sheaf.Position, pageSize uint32, alignment uint32) (*Metadata, error) {
	p, err := sh.Get(pos)
	if err != nil {
		return nil, err
	}
	p.Lock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	binary.BigEndian.PutUint32(p.Data[0:4], alignment)
	binary.BigEndian.PutUint32(p.Data[4:8], 0)
	p.MarkDirty()
	p.Unlock()
	return &Metadata{sh: sh, page: p, pageSize: pageSize}, nil
}

// LoadMetadata reads an existing metadata page, returning it plus the
// persisted alignment and per-bucket entries for Table to adopt.
func LoadMetadata(sh *sheaf.Sheaf, pos sheaf.Position, pageSize uint32) (*Metadata, uint32, map[int]bucket, error) {
	p, err := sh.Get(pos)
	if err != nil {
		return nil, 0, nil, err
	}
	p.Lock()
	defer p.Unlock()

	alignment := binary.BigEndian.Uint32(p.Data[0:4])
	count := binary.BigEndian.Uint32(p.Data[4:8])
	buckets := make(map[int]bucket, count)
	cursor := metadataHeaderSize
	for i := uint32(0); i < count; i++ {
		if cursor+metadataEntrySize > int(pageSize) {
			return nil, 0, nil, errors.Errorf("byremaining: metadata page overruns at entry %d", i)
		}
		bucketIdx := int(int32(binary.BigEndian.Uint32(p.Data[cursor : cursor+4])))
		capIdx := int(int32(binary.BigEndian.Uint32(p.Data[cursor+4 : cursor+8])))
		head := BlockRef(binary.BigEndian.Uint64(p.Data[cursor+8 : cursor+16]))
		buckets[bucketIdx] = bucket{head: head, capIdx: capIdx}
		cursor += metadataEntrySize
	}
	return &Metadata{sh: sh, page: p, pageSize: pageSize}, alignment, buckets, nil
}

// Save rewrites the page with the current bucket set. Every bucket in the
// map is persisted; Table's Poll deletes a bucket from its in-memory map
// once it empties it.
func (m *Metadata) Save(alignment uint32, buckets map[int]*bucket) error {
	need := metadataHeaderSize + len(buckets)*metadataEntrySize
	if need > int(m.pageSize) {
		return errors.Errorf("byremaining: %d buckets do not fit in one metadata page of size %d", len(buckets), m.pageSize)
	}

	m.page.Lock()
	defer m.page.Unlock()
	binary.BigEndian.PutUint32(m.page.Data[0:4], alignment)
	binary.BigEndian.PutUint32(m.page.Data[4:8], uint32(len(buckets)))

	cursor := metadataHeaderSize
	for idx, b := range buckets {
		binary.BigEndian.PutUint32(m.page.Data[cursor:cursor+4], uint32(int32(idx)))
		binary.BigEndian.PutUint32(m.page.Data[cursor+4:cursor+8], uint32(int32(b.capIdx)))
		binary.BigEndian.PutUint64(m.page.Data[cursor+8:cursor+16], uint64(b.head))
		cursor += metadataEntrySize
	}
	for i := cursor; i < int(m.pageSize); i++ {
		m.page.Data[i] = 0
	}
	m.page.MarkDirty()
	return nil
}

// Position is the metadata page's own file position.
func (m *Metadata) Position() sheaf.Position { return m.page.Pos }
