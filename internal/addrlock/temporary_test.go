package addrlock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

const testPageSize = 4096

func newTestEnv(t *testing.T) (*sheaf.Sheaf, *interimpool.Pool) {
	t.Helper()
	sh, err := sheaf.Open(filepath.Join(t.TempDir(), "test.pack"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })
	return sh, interimpool.New(sh, testPageSize, 0)
}

func TestAllocateThenCommitBecomesNewHead(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	ref, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(111, ref))

	require.Equal(t, ref, tp.Head())
}

func TestCommitChainsMultipleNodes(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	ref1, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(1, ref1))

	ref2, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(2, ref2))

	require.Equal(t, ref2, tp.Head())

	addrs, err := tp.ScanAndFreeAll()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, addrs)
	require.Equal(t, NodeRef(0), tp.Head())
}

func TestFreeRemovesNodeFromMiddleOfChain(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	ref1, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(1, ref1))

	ref2, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(2, ref2))

	ref3, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(3, ref3))

	ok, err := tp.Free(2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tp.Free(2)
	require.NoError(t, err)
	require.False(t, ok, "freeing an address no longer in the list reports nothing removed")

	addrs, err := tp.ScanAndFreeAll()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 3}, addrs)
}

func TestFreeHeadNodeAdvancesHead(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	ref1, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(1, ref1))

	ref2, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(2, ref2))

	ok, err := tp.Free(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref1, tp.Head())
}

func TestScanAndFreeAllOnEmptyListReturnsNothing(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	addrs, err := tp.ScanAndFreeAll()
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestAllocateReusesFreedSlotsBeforeTakingNewPage(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)

	ref1, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(1, ref1))

	_, err = tp.Free(1)
	require.NoError(t, err)

	before := pool.Count()
	ref2, err := tp.Allocate()
	require.NoError(t, err)
	require.Equal(t, before, pool.Count(), "reusing a freed node slot must not take a fresh page")
	require.NoError(t, tp.Commit(2, ref2))
}

func TestNewTemporaryPoolRestoresGivenHead(t *testing.T) {
	sh, pool := newTestEnv(t)
	tp := NewTemporaryPool(sh, pool, testPageSize, 0)
	ref, err := tp.Allocate()
	require.NoError(t, err)
	require.NoError(t, tp.Commit(5, ref))
	head := tp.Head()

	reopened := NewTemporaryPool(sh, pool, testPageSize, head)
	addrs, err := reopened.ScanAndFreeAll()
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, addrs)
}
