package export

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack"
	"github.com/zhukovaskychina/xpack/conf"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
)

func newTestCfg(t *testing.T, fileName string) *conf.Cfg {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.FileName = fileName
	cfg.PageSize = 512
	cfg.Alignment = 64
	cfg.JournalCount = 2
	cfg.AddressPagePoolSize = 1
	return cfg
}

func collectLive(t *testing.T, pack *xpack.Pack) [][]byte {
	t.Helper()
	var out [][]byte
	err := pack.Walk(func(addr addrspace.Address) error {
		data, err := pack.ReadLive(addr)
		if err != nil {
			return err
		}
		out = append(out, append([]byte(nil), data...))
		return nil
	})
	require.NoError(t, err)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

func TestDumpThenLoadRoundTripsAllLiveBlocks(t *testing.T) {
	srcCfg := newTestCfg(t, "source.pack")
	tuning := conf.DefaultTuning()

	src, err := xpack.Open(srcCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	payloads := [][]byte{
		[]byte("alpha"),
		[]byte("bb"),
		[]byte("charlie-longer-payload"),
		[]byte("d"),
	}
	for _, p := range payloads {
		m, err := src.Mutate()
		require.NoError(t, err)
		addr, err := m.Allocate(len(p))
		require.NoError(t, err)
		require.NoError(t, m.Write(addr, p))
		require.NoError(t, m.Commit())
	}

	var buf bytes.Buffer
	require.NoError(t, Dump(src, &buf))

	dstCfg := newTestCfg(t, "dest.pack")
	dst, err := Load(&buf, dstCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	want := append([][]byte(nil), payloads...)
	sort.Slice(want, func(i, j int) bool { return bytes.Compare(want[i], want[j]) < 0 })
	require.Equal(t, want, collectLive(t, dst))
}

func TestDumpOfEmptyPackProducesEmptyLoad(t *testing.T) {
	srcCfg := newTestCfg(t, "source.pack")
	tuning := conf.DefaultTuning()

	src, err := xpack.Open(srcCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	var buf bytes.Buffer
	require.NoError(t, Dump(src, &buf))

	dstCfg := newTestCfg(t, "dest.pack")
	dst, err := Load(&buf, dstCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	require.Empty(t, collectLive(t, dst))
}

func TestLoadSpansMultipleCommitBatches(t *testing.T) {
	srcCfg := newTestCfg(t, "source.pack")
	tuning := conf.DefaultTuning()

	src, err := xpack.Open(srcCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	const n = batchSize + 10
	want := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		p := []byte{byte(i % 251), byte(i / 251)}
		m, err := src.Mutate()
		require.NoError(t, err)
		addr, err := m.Allocate(len(p))
		require.NoError(t, err)
		require.NoError(t, m.Write(addr, p))
		require.NoError(t, m.Commit())
		want = append(want, p)
	}

	var buf bytes.Buffer
	require.NoError(t, Dump(src, &buf))

	dstCfg := newTestCfg(t, "dest.pack")
	dst, err := Load(&buf, dstCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	got := collectLive(t, dst)
	require.Len(t, got, n)
	sort.Slice(want, func(i, j int) bool { return bytes.Compare(want[i], want[j]) < 0 })
	require.Equal(t, want, got)
}

func TestDoesNotDumpFreedBlocks(t *testing.T) {
	srcCfg := newTestCfg(t, "source.pack")
	tuning := conf.DefaultTuning()

	src, err := xpack.Open(srcCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	m1, err := src.Mutate()
	require.NoError(t, err)
	kept, err := m1.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, m1.Write(kept, []byte("keep")))
	freed, err := m1.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, m1.Write(freed, []byte("gone")))
	require.NoError(t, m1.Commit())

	m2, err := src.Mutate()
	require.NoError(t, err)
	require.NoError(t, m2.Free(freed))
	require.NoError(t, m2.Commit())

	var buf bytes.Buffer
	require.NoError(t, Dump(src, &buf))

	dstCfg := newTestCfg(t, "dest.pack")
	dst, err := Load(&buf, dstCfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	require.Equal(t, [][]byte{[]byte("keep")}, collectLive(t, dst))
}
