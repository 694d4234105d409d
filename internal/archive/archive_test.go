package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/internal/checksum"
	"github.com/zhukovaskychina/xpack/internal/interimpool"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

const testPageSize = 4096

func newTestEnv(t *testing.T) (*sheaf.Sheaf, *interimpool.Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pack")
	sh, err := sheaf.Open(path, testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })
	return sh, interimpool.New(sh, testPageSize, 0), path
}

func readFrames(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var frames [][]byte
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), frameHeaderSize)
		length := binary.BigEndian.Uint32(data[0:4])
		sum := binary.BigEndian.Uint64(data[4:12])
		body := data[frameHeaderSize : frameHeaderSize+int(length)]
		require.True(t, checksum.Verify(body, sum))

		raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		require.NoError(t, err)
		frames = append(frames, raw)

		data = data[frameHeaderSize+int(length):]
	}
	return frames
}

func TestArchiveWritesOneFramePerCall(t *testing.T) {
	sh, pool, path := newTestEnv(t)

	j, err := journal.New(pool, testPageSize)
	require.NoError(t, err)
	from := j.FirstOpCursor()

	op1 := journal.Write{Address: 1, InterimPos: 8}
	op2 := journal.Write{Address: 2, InterimPos: 16}
	require.NoError(t, j.Write(op1))
	require.NoError(t, j.Write(op2))
	require.NoError(t, j.Write(journal.Terminate{}))

	pagePos, offset := from.Split(testPageSize)
	to := journal.NewCursor(pagePos, offset+len(op1.Encode())+len(op2.Encode()))

	arc, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	require.NoError(t, arc.Archive(sh, testPageSize, from, to))

	frames := readFrames(t, path+".journal-archive")
	require.Len(t, frames, 1)
	require.Equal(t, append(op1.Encode(), op2.Encode()...), frames[0])
}

func TestArchiveEmptyRangeWritesNoFrame(t *testing.T) {
	sh, pool, path := newTestEnv(t)
	j, err := journal.New(pool, testPageSize)
	require.NoError(t, err)
	from := j.FirstOpCursor()
	require.NoError(t, j.Write(journal.Terminate{}))

	arc, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	require.NoError(t, arc.Archive(sh, testPageSize, from, from))

	_, err = os.Stat(path + ".journal-archive")
	if err == nil {
		data, readErr := os.ReadFile(path + ".journal-archive")
		require.NoError(t, readErr)
		require.Empty(t, data, "archiving an empty range must not append a frame")
	}
}

func TestArchiveAppendsAcrossMultipleCalls(t *testing.T) {
	sh, pool, path := newTestEnv(t)
	j, err := journal.New(pool, testPageSize)
	require.NoError(t, err)
	from1 := j.FirstOpCursor()

	op1 := journal.Write{Address: 1, InterimPos: 8}
	require.NoError(t, j.Write(op1))
	pagePos, offset := from1.Split(testPageSize)
	to1 := journal.NewCursor(pagePos, offset+len(op1.Encode()))

	op2 := journal.Free{Address: 9}
	require.NoError(t, j.Write(op2))
	to2 := journal.NewCursor(pagePos, offset+len(op1.Encode())+len(op2.Encode()))
	require.NoError(t, j.Write(journal.Terminate{}))

	arc, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	require.NoError(t, arc.Archive(sh, testPageSize, from1, to1))
	require.NoError(t, arc.Archive(sh, testPageSize, to1, to2))

	frames := readFrames(t, path+".journal-archive")
	require.Len(t, frames, 2)
	require.Equal(t, op1.Encode(), frames[0])
	require.Equal(t, op2.Encode(), frames[1])
}

func TestOpenReopensExistingArchiveForAppend(t *testing.T) {
	_, _, path := newTestEnv(t)

	arc1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, arc1.Close())

	arc2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, arc2.Close())
}
