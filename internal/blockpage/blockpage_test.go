package blockpage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

const testPageSize = 4096

func newTestSheaf(t *testing.T) *sheaf.Sheaf {
	t.Helper()
	sh, err := sheaf.Open(filepath.Join(t.TempDir(), "test.pack"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })
	return sh
}

func TestInterimAllocateWriteReadRoundTrip(t *testing.T) {
	sh := newTestSheaf(t)
	bp := NewInterim(sh.NewPage(0), testPageSize)

	require.NoError(t, bp.Allocate(100, 5))
	require.NoError(t, bp.WritePayload(100, []byte("hello")))

	data, ok := bp.Read(100)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestAllocateRejectsDuplicateAddress(t *testing.T) {
	sh := newTestSheaf(t)
	bp := NewInterim(sh.NewPage(0), testPageSize)
	require.NoError(t, bp.Allocate(100, 5))
	require.Error(t, bp.Allocate(100, 5))
}

func TestAllocateRejectsUserPage(t *testing.T) {
	sh := newTestSheaf(t)
	bp := NewUser(sh.NewPage(0), testPageSize)
	require.Error(t, bp.Allocate(100, 5))
}

func TestWritePayloadRejectsLengthMismatch(t *testing.T) {
	sh := newTestSheaf(t)
	bp := NewInterim(sh.NewPage(0), testPageSize)
	require.NoError(t, bp.Allocate(100, 5))
	require.Error(t, bp.WritePayload(100, []byte("too long for this block")))
}

func TestFreeTombstonesWithoutReclaimingUntilPurge(t *testing.T) {
	sh := newTestSheaf(t)
	bp := NewInterim(sh.NewPage(0), testPageSize)
	require.NoError(t, bp.Allocate(100, 5))
	before := bp.Remaining()

	require.True(t, bp.Free(100))
	require.False(t, bp.Free(100), "freeing twice reports no second free")
	require.Greater(t, bp.Remaining(), before, "remaining grows once the entry is tombstoned")

	_, ok := bp.Read(100)
	require.False(t, ok)

	bp.Purge()
	require.True(t, bp.IsEmpty())
	require.Equal(t, 0, bp.Count())
}

func TestLoadUserRoundTripsChecksumAndEntries(t *testing.T) {
	sh := newTestSheaf(t)

	// Build a fresh user page with one real entry via Copy from an interim source.
	srcPage := sh.NewPage(testPageSize)
	src := NewInterim(srcPage, testPageSize)
	require.NoError(t, src.Allocate(42, 4))
	require.NoError(t, src.WritePayload(42, []byte("abcd")))

	dstPage := sh.NewPage(testPageSize * 2)
	dst := NewUser(dstPage, testPageSize)
	require.NoError(t, src.Copy(42, dst))

	reloaded, err := LoadUser(dstPage, testPageSize)
	require.NoError(t, err)
	data, ok := reloaded.Read(42)
	require.True(t, ok)
	require.Equal(t, []byte("abcd"), data)
}

func TestLoadRejectsWrongKind(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	NewUser(p, testPageSize)

	_, err := LoadInterim(p, testPageSize)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestLoadRejectsCorruptChecksum(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	NewUser(p, testPageSize)

	p.Lock()
	p.Data[20] ^= 0xFF
	p.Unlock()

	_, err := LoadUser(p, testPageSize)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestTruncateCutsBackToAddress(t *testing.T) {
	sh := newTestSheaf(t)
	srcPage := sh.NewPage(0)
	src := NewInterim(srcPage, testPageSize)
	require.NoError(t, src.Allocate(1, 2))
	require.NoError(t, src.WritePayload(1, []byte("aa")))
	require.NoError(t, src.Allocate(2, 2))
	require.NoError(t, src.WritePayload(2, []byte("bb")))
	require.NoError(t, src.Allocate(3, 2))
	require.NoError(t, src.WritePayload(3, []byte("cc")))

	dstPage := sh.NewPage(testPageSize)
	dst := NewUser(dstPage, testPageSize)
	require.NoError(t, src.Copy(1, dst))
	require.NoError(t, src.Copy(2, dst))
	require.NoError(t, src.Copy(3, dst))
	require.Equal(t, 3, dst.Count())

	require.NoError(t, dst.Truncate(1))
	require.Equal(t, 1, dst.Count())
	_, ok := dst.Read(2)
	require.False(t, ok)

	require.NoError(t, dst.Truncate(0))
	require.Equal(t, 0, dst.Count())
}

func TestAddressesReturnsOnlyLiveEntriesInOrder(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	bp := NewInterim(p, testPageSize)
	require.NoError(t, bp.Allocate(1, 1))
	require.NoError(t, bp.Allocate(2, 1))
	require.NoError(t, bp.Allocate(3, 1))
	require.True(t, bp.Free(2))

	require.Equal(t, []Address{1, 3}, bp.Addresses())
}
