// Package export implements §1's supplementary backup surface: a streaming
// snapshot of every live block in a pack file, compressed with
// github.com/golang/snappy the way the teacher's server/net/connection.go
// wraps its wire stream in a snappy reader/writer pair — repurposed here
// for block payloads instead of protocol packets.
package export

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpack"
	"github.com/zhukovaskychina/xpack/conf"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
)

// recordHeaderSize is one dumped block's {address:8, length:4} prefix.
const recordHeaderSize = 12

// batchSize caps how many blocks one Load transaction commits at a time, so
// restoring a large pack doesn't pin a single journal slot for the entire
// run.
const batchSize = 256

// Dump streams a snappy-compressed snapshot of every live block in pack to
// w by walking the address space directly (pack.Walk), never opening a
// mutator: a backup pass never blocks, or is blocked by, concurrent
// writers.
func Dump(pack *xpack.Pack, w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)

	walkErr := pack.Walk(func(addr addrspace.Address) error {
		data, err := pack.ReadLive(addr)
		if err != nil {
			return err
		}
		header := make([]byte, recordHeaderSize)
		binary.BigEndian.PutUint64(header[0:8], uint64(addr))
		binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))
		if _, err := sw.Write(header); err != nil {
			return err
		}
		_, err = sw.Write(data)
		return err
	})
	if walkErr != nil {
		sw.Close()
		return errors.Wrap(walkErr, "export: dump")
	}
	return errors.Wrap(sw.Close(), "export: flush snapshot")
}

// Load opens a fresh pack at cfg's path and replays every block r streams
// into it. Addresses are not preserved across a dump/load cycle: the
// restored pack is a distinct file with its own address space, so callers
// needing to remap references must keep their own address translation.
func Load(r io.Reader, cfg *conf.Cfg, tuning *conf.Tuning) (*xpack.Pack, error) {
	pack, err := xpack.Open(cfg, tuning)
	if err != nil {
		return nil, errors.Wrap(err, "export: open destination pack")
	}

	if err := load(pack, r); err != nil {
		pack.Close()
		return nil, err
	}
	return pack, nil
}

func load(pack *xpack.Pack, r io.Reader) error {
	sr := snappy.NewReader(r)
	header := make([]byte, recordHeaderSize)

	m, err := pack.Mutate()
	if err != nil {
		return err
	}

	count := 0
	for {
		if _, err := io.ReadFull(sr, header); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "export: read record header")
		}
		length := binary.BigEndian.Uint32(header[8:12])
		data := make([]byte, length)
		if _, err := io.ReadFull(sr, data); err != nil {
			return errors.Wrap(err, "export: read record payload")
		}

		addr, err := m.Allocate(len(data))
		if err != nil {
			return errors.Wrap(err, "export: allocate")
		}
		if err := m.Write(addr, data); err != nil {
			return errors.Wrap(err, "export: write")
		}

		count++
		if count%batchSize == 0 {
			if err := m.Commit(); err != nil {
				return errors.Wrap(err, "export: commit batch")
			}
			if m, err = pack.Mutate(); err != nil {
				return err
			}
		}
	}

	return errors.Wrap(m.Commit(), "export: commit final batch")
}
