package xpack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/conf"
	"github.com/zhukovaskychina/xpack/internal/addrspace"
)

func newTestCfg(t *testing.T) *conf.Cfg {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.FileName = "test.pack"
	cfg.PageSize = 512
	cfg.Alignment = 64
	cfg.JournalCount = 2
	cfg.AddressPagePoolSize = 1
	return cfg
}

func openTestPack(t *testing.T, tuning *conf.Tuning) *Pack {
	t.Helper()
	if tuning == nil {
		tuning = conf.DefaultTuning()
	}
	p, err := Open(newTestCfg(t), tuning)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpenBootstrapsFreshPack(t *testing.T) {
	p := openTestPack(t, nil)
	stats := p.Stats()
	require.Equal(t, 0, stats.StaticBlocks)
}

func TestAllocateWriteCommitReadRoundTrip(t *testing.T) {
	p := openTestPack(t, nil)

	m, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("hello")))
	require.NoError(t, m.Commit())

	m2, err := p.Mutate()
	require.NoError(t, err)
	data, err := m2.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.NoError(t, m2.Commit())
}

func TestReadSeesOwnUncommittedWriteBeforeCommit(t *testing.T) {
	p := openTestPack(t, nil)

	m, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(3)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("abc")))

	data, err := m.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)
	require.NoError(t, m.Commit())
}

func TestWriteReplacesPreviousCommittedContent(t *testing.T) {
	p := openTestPack(t, nil)

	m1, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m1.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, m1.Write(addr, []byte("first")))
	require.NoError(t, m1.Commit())

	m2, err := p.Mutate()
	require.NoError(t, err)
	require.NoError(t, m2.Write(addr, []byte("second")))
	require.NoError(t, m2.Commit())

	m3, err := p.Mutate()
	require.NoError(t, err)
	data, err := m3.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
	require.NoError(t, m3.Commit())
}

func TestRollbackDiscardsReservedAddress(t *testing.T) {
	p := openTestPack(t, nil)

	m, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("xxxx")))
	require.NoError(t, m.Rollback())

	m2, err := p.Mutate()
	require.NoError(t, err)
	_, err = m2.Read(addr)
	require.Error(t, err, "a rolled-back allocation must not be readable")
	require.NoError(t, m2.Commit())
}

func TestFreeThenReadErrors(t *testing.T) {
	p := openTestPack(t, nil)

	m1, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m1.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, m1.Write(addr, []byte("data")))
	require.NoError(t, m1.Commit())

	m2, err := p.Mutate()
	require.NoError(t, err)
	require.NoError(t, m2.Free(addr))
	require.NoError(t, m2.Commit())

	m3, err := p.Mutate()
	require.NoError(t, err)
	_, err = m3.Read(addr)
	require.Error(t, err)
	require.NoError(t, m3.Commit())
}

func TestFreeingStaticAddressFails(t *testing.T) {
	tuning := conf.DefaultTuning()
	tuning.StaticBlocks = []conf.StaticBlockEntry{{URI: "schema/root", Address: 64}}
	p := openTestPack(t, tuning)

	addr, ok := p.StaticBlock("schema/root")
	require.True(t, ok)
	require.EqualValues(t, 64, addr)

	m, err := p.Mutate()
	require.NoError(t, err)
	err = m.Free(addrspace.Address(addr))
	require.Error(t, err)
	require.NoError(t, m.Rollback())
}

func TestCommitTwiceOnSameMutatorFails(t *testing.T) {
	p := openTestPack(t, nil)

	m, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(2)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("ab")))
	require.NoError(t, m.Commit())
	require.Error(t, m.Commit(), "committing an already-closed mutator must fail")
}

func TestReopenAfterCleanCloseSeesCommittedData(t *testing.T) {
	cfg := newTestCfg(t)
	tuning := conf.DefaultTuning()

	p1, err := Open(cfg, tuning)
	require.NoError(t, err)

	m, err := p1.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(7)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("durable")))
	require.NoError(t, m.Commit())
	require.NoError(t, p1.Close())

	p2, err := Open(cfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { p2.Close() })

	m2, err := p2.Mutate()
	require.NoError(t, err)
	data, err := m2.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), data)
	require.NoError(t, m2.Commit())
}

func TestAddressRegionGrowsPastInitialPool(t *testing.T) {
	p := openTestPack(t, nil)

	// PageSize 512 / 8-byte slots = 64 slots, minus slot 0 = 63 usable
	// addresses on the bootstrap pool's single page; one more forces
	// growAddressRegion to promote a user page into a second address page.
	var addrs []addrspace.Address
	for i := 0; i < 64; i++ {
		m, err := p.Mutate()
		require.NoError(t, err)
		addr, err := m.Allocate(2)
		require.NoError(t, err)
		require.NoError(t, m.Write(addr, []byte{byte(i), byte(i + 1)}))
		require.NoError(t, m.Commit())
		addrs = append(addrs, addr)
	}

	m, err := p.Mutate()
	require.NoError(t, err)
	for i, addr := range addrs {
		data, err := m.Read(addr)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), byte(i + 1)}, data)
	}
	require.NoError(t, m.Commit())
}

func TestVacuumSmokeTestWithNothingToCompact(t *testing.T) {
	p := openTestPack(t, nil)

	m, err := p.Mutate()
	require.NoError(t, err)
	addr, err := m.Allocate(3)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("abc")))
	require.NoError(t, m.Commit())

	require.NoError(t, p.Vacuum(nil, nil))
}

func TestTemporaryAllocationIsFreedAfterUncleanShutdown(t *testing.T) {
	cfg := newTestCfg(t)
	tuning := conf.DefaultTuning()

	p1, err := Open(cfg, tuning)
	require.NoError(t, err)

	m, err := p1.Mutate()
	require.NoError(t, err)
	addr, err := m.Temporary(4)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, []byte("tmp!")))
	require.NoError(t, m.Commit())

	// Simulate an unclean shutdown: close the sheaf directly without going
	// through Pack.Close, so the soft-shutdown flag is never stamped.
	require.NoError(t, p1.sh.Close())

	p2, err := Open(cfg, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { p2.Close() })

	m2, err := p2.Mutate()
	require.NoError(t, err)
	_, err = m2.Read(addr)
	require.Error(t, err, "recovery must free any temporary block left open across an unclean shutdown")
	require.NoError(t, m2.Commit())
}
