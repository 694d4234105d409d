package vacuum

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/internal/blockpage"
	"github.com/zhukovaskychina/xpack/internal/byremaining"
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

// recordedMoves implements MoveRecorder by collecting every call, for
// assertions without needing a real journal/player.
type recordedMoves struct {
	moves []Move
}

func (r *recordedMoves) Record(from, to sheaf.Position, lastAddressOnTo uint64) {
	r.moves = append(r.moves, Move{From: from, To: to, LastAddressOnTo: lastAddressOnTo})
}

func buildUserPage(t *testing.T, sh *sheaf.Sheaf, pos sheaf.Position, entries map[uint64]string) *blockpage.BlockPage {
	t.Helper()
	srcPage := sh.NewPage(pos + sheaf.Position(10*testPageSize))
	src := blockpage.NewInterim(srcPage, testPageSize)

	dstPage := sh.NewPage(pos)
	dst := blockpage.NewUser(dstPage, testPageSize)

	for addr, payload := range entries {
		require.NoError(t, src.Allocate(addr, len(payload)))
		require.NoError(t, src.WritePayload(addr, []byte(payload)))
		require.NoError(t, src.Copy(addr, dst))
	}
	return dst
}

func TestBestFitPlanRecordsMoveIntoRoomierPage(t *testing.T) {
	sh, _ := newTestEnv(t)

	freedPos := sheaf.Position(0)
	buildUserPage(t, sh, freedPos, map[uint64]string{1: "hello"})

	destPos := sheaf.Position(testPageSize)
	buildUserPage(t, sh, destPos, map[uint64]string{2: "x"})

	lookup := byremaining.NewLookupPagePool(sh, interimpool.New(sh, testPageSize, sheaf.Position(16*testPageSize)), testPageSize, []int{8, 32, 128})
	table := byremaining.NewTable(lookup, 64)
	maxBucket := table.BucketOf(testPageSize)
	require.NoError(t, table.Add(maxBucket, uint64(destPos)))

	rec := &recordedMoves{}
	err := BestFit{}.Plan([]sheaf.Position{freedPos}, nil, table, testPageSize, sh, rec)
	require.NoError(t, err)

	require.Len(t, rec.moves, 1)
	require.Equal(t, freedPos, rec.moves[0].From)
	require.Equal(t, destPos, rec.moves[0].To)
	require.Equal(t, uint64(2), rec.moves[0].LastAddressOnTo)
}

func TestBestFitPlanSkipsEmptyFreedPages(t *testing.T) {
	sh, _ := newTestEnv(t)

	freedPos := sheaf.Position(0)
	dst := buildUserPage(t, sh, freedPos, map[uint64]string{1: "hello"})
	require.True(t, dst.Free(1))
	dst.Purge()
	require.True(t, dst.IsEmpty())

	lookup := byremaining.NewLookupPagePool(sh, interimpool.New(sh, testPageSize, 0), testPageSize, []int{8, 32, 128})
	table := byremaining.NewTable(lookup, 64)

	rec := &recordedMoves{}
	err := BestFit{}.Plan([]sheaf.Position{freedPos}, nil, table, testPageSize, sh, rec)
	require.NoError(t, err)
	require.Empty(t, rec.moves, "an already-empty page needs no move")
}

func TestBestFitPlanSkipsWhenNoDestinationFits(t *testing.T) {
	sh, _ := newTestEnv(t)

	freedPos := sheaf.Position(0)
	buildUserPage(t, sh, freedPos, map[uint64]string{1: "hello"})

	lookup := byremaining.NewLookupPagePool(sh, interimpool.New(sh, testPageSize, 0), testPageSize, []int{8, 32, 128})
	table := byremaining.NewTable(lookup, 64)

	rec := &recordedMoves{}
	err := BestFit{}.Plan([]sheaf.Position{freedPos}, nil, table, testPageSize, sh, rec)
	require.NoError(t, err)
	require.Empty(t, rec.moves, "an empty table has nowhere to move a block to")
}

func TestBestFitPlanConsidersAllocatedPagesToo(t *testing.T) {
	sh, _ := newTestEnv(t)

	allocPos := sheaf.Position(0)
	buildUserPage(t, sh, allocPos, map[uint64]string{1: "hello"})

	destPos := sheaf.Position(testPageSize)
	buildUserPage(t, sh, destPos, map[uint64]string{2: "x"})

	lookup := byremaining.NewLookupPagePool(sh, interimpool.New(sh, testPageSize, sheaf.Position(16*testPageSize)), testPageSize, []int{8, 32, 128})
	table := byremaining.NewTable(lookup, 64)
	maxBucket := table.BucketOf(testPageSize)
	require.NoError(t, table.Add(maxBucket, uint64(destPos)))

	rec := &recordedMoves{}
	err := BestFit{}.Plan(nil, []sheaf.Position{allocPos}, table, testPageSize, sh, rec)
	require.NoError(t, err)
	require.Len(t, rec.moves, 1)
}
