package xpack

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// StaticBlockMap resolves pre-installed named addresses (§6): URIs bound to
// addresses at bootstrap from tuning.toml, immune to free() (§7
// FREED_STATIC_ADDRESS).
type StaticBlockMap struct {
	byURI   map[string]uint64
	statics map[uint64]string
}

// LoadStaticBlockMap decodes count packed `(uriLen:i32, utf8, address:i64)`
// entries from data, the header's static block map tail.
func LoadStaticBlockMap(data []byte, count uint32) (*StaticBlockMap, error) {
	m := &StaticBlockMap{byURI: make(map[string]uint64, count), statics: make(map[uint64]string, count)}
	cursor := 0
	for i := uint32(0); i < count; i++ {
		if cursor+4 > len(data) {
			return nil, errors.Errorf("xpack: static block map truncated at entry %d", i)
		}
		uriLen := int(binary.BigEndian.Uint32(data[cursor : cursor+4]))
		cursor += 4
		if cursor+uriLen+8 > len(data) {
			return nil, errors.Errorf("xpack: static block map truncated at entry %d", i)
		}
		uri := string(data[cursor : cursor+uriLen])
		cursor += uriLen
		addr := binary.BigEndian.Uint64(data[cursor : cursor+8])
		cursor += 8

		m.byURI[uri] = addr
		m.statics[addr] = uri
	}
	return m, nil
}

// EncodeStaticBlockMap packs entries into the on-disk format, returning the
// encoded bytes and the entry count for the header's staticBlockCount field.
func EncodeStaticBlockMap(entries map[string]uint64) (data []byte, count uint32) {
	for uri, addr := range entries {
		entry := make([]byte, 4+len(uri)+8)
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(uri)))
		copy(entry[4:4+len(uri)], uri)
		binary.BigEndian.PutUint64(entry[4+len(uri):], addr)
		data = append(data, entry...)
		count++
	}
	return data, count
}

// Resolve returns the address bound to uri, or ok=false if uri was not
// pre-installed.
func (m *StaticBlockMap) Resolve(uri string) (address uint64, ok bool) {
	address, ok = m.byURI[uri]
	return address, ok
}

// IsStatic reports whether address is statically bound, meaning a mutator's
// free() on it must be rejected with ErrFreedStatic.
func (m *StaticBlockMap) IsStatic(address uint64) bool {
	_, ok := m.statics[address]
	return ok
}

// Len returns the number of installed static entries.
func (m *StaticBlockMap) Len() int { return len(m.byURI) }
