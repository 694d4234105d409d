package addrspace

import (
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

func TestInitLeavesSlotZeroOutOfFreeCount(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)

	require.Equal(t, SlotsPerPage(testPageSize)-1, ap.FreeCount())
	require.Equal(t, sheaf.Position(0), ap.ForwardRef())
}

func TestReserveThenFreeRoundTrips(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)

	before := ap.FreeCount()
	addr, ok := ap.Reserve()
	require.True(t, ok)
	require.Equal(t, before-1, ap.FreeCount())
	require.Equal(t, Reserved, ap.Dereference(addr))

	ap.Set(addr, sheaf.Position(4096*3))
	require.Equal(t, sheaf.Position(4096*3), ap.Dereference(addr))

	require.True(t, ap.Free(addr))
	require.Equal(t, before, ap.FreeCount())
	require.Equal(t, Free, ap.Dereference(addr))

	// A second Free of an already-free slot reports no-op.
	require.False(t, ap.Free(addr))
}

func TestReserveExhaustsPage(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)

	n := SlotsPerPage(testPageSize) - 1
	for i := 0; i < n; i++ {
		_, ok := ap.Reserve()
		require.True(t, ok)
	}
	_, ok := ap.Reserve()
	require.False(t, ok, "page should be exhausted after reserving every usable slot")
}

func TestLoadRescansFreeCount(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)
	addr, ok := ap.Reserve()
	require.True(t, ok)
	ap.Set(addr, sheaf.Position(8192))

	reloaded := Load(p, testPageSize)
	require.Equal(t, ap.FreeCount(), reloaded.FreeCount())
	require.Equal(t, sheaf.Position(8192), reloaded.Dereference(addr))
}

func TestSetForwardRefSurvivesLoad(t *testing.T) {
	sh := newTestSheaf(t)
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)
	ap.SetForwardRef(sheaf.Position(16384))

	reloaded := Load(p, testPageSize)
	require.Equal(t, sheaf.Position(16384), reloaded.ForwardRef())
}

func TestBoundaryAdjustPassesThroughAtOrAboveBoundary(t *testing.T) {
	sh := newTestSheaf(t)
	b := New(sheaf.Position(testPageSize), testPageSize)

	pos, err := b.Adjust(sheaf.Position(20000), sh)
	require.NoError(t, err)
	require.Equal(t, sheaf.Position(20000), pos, "positions at/above the boundary pass through unchanged")
}

func TestBoundaryPromoteAdvancesByOnePage(t *testing.T) {
	b := New(sheaf.Position(0), testPageSize)

	require.NoError(t, b.Promote(sheaf.Position(0)))
	require.Equal(t, sheaf.Position(testPageSize), b.Position())

	err := b.Promote(sheaf.Position(0))
	require.Error(t, err, "promoting a stale position must fail")
}

func TestBoundaryAdjustRedirectsThroughForwardRef(t *testing.T) {
	sh := newTestSheaf(t)
	// Promote page 0 into an address page whose content moved to page 1.
	p := sh.NewPage(0)
	ap := Init(p, testPageSize)
	ap.SetForwardRef(sheaf.Position(testPageSize))

	b := New(sheaf.Position(testPageSize), testPageSize)
	resolved, err := b.Adjust(sheaf.Position(10), sh)
	require.NoError(t, err)
	require.Equal(t, sheaf.Position(testPageSize)+10, resolved)
}
