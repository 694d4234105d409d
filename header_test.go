package xpack

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

func newPersistedHeader(t *testing.T) (*sheaf.Sheaf, *Header) {
	t.Helper()
	sh, err := sheaf.Open(filepath.Join(t.TempDir(), "header.pack"), 512)
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })

	h := NewHeader(sh, bootstrapOptions{PageSize: 512, Alignment: 64, JournalCount: 2, AddressPagePoolSize: 1})
	require.NoError(t, h.SetAddressBoundary(512))
	// Real bootstrap always takes at least one address page past the header
	// before Open returns; simulate that so the file-size-vs-header sanity
	// check in LoadHeader sees a realistic file.
	require.NoError(t, sh.Grow(h.AddressRegionStart()+sheaf.Position(512)))
	return sh, h
}

func TestLoadHeaderRoundTripsAFreshlyWrittenHeader(t *testing.T) {
	sh, want := newPersistedHeader(t)

	got, err := LoadHeader(sh)
	require.NoError(t, err)
	require.Equal(t, want.PageSize, got.PageSize)
	require.Equal(t, want.AddressBoundary, got.AddressBoundary)
	require.False(t, got.Soft)
}

func TestLoadHeaderRejectsBadSignature(t *testing.T) {
	sh, _ := newPersistedHeader(t)

	probe, err := sh.ReadHeader(fixedHeaderSize)
	require.NoError(t, err)
	binary.BigEndian.PutUint64(probe[offSignature:offSignature+8], 0)
	require.NoError(t, sh.WriteHeader(probe))

	_, err = LoadHeader(sh)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSignature))
}

func TestLoadHeaderRejectsShutdownFlagOutOfRange(t *testing.T) {
	sh, _ := newPersistedHeader(t)

	probe, err := sh.ReadHeader(fixedHeaderSize)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(probe[offShutdownFlag:offShutdownFlag+4], 7)
	require.NoError(t, sh.WriteHeader(probe))

	_, err = LoadHeader(sh)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShutdown))
}

func TestLoadHeaderRejectsHeaderSizeSmallerThanFixedHeader(t *testing.T) {
	sh, _ := newPersistedHeader(t)

	probe, err := sh.ReadHeader(fixedHeaderSize)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(probe[offHeaderSize:offHeaderSize+4], fixedHeaderSize-1)
	require.NoError(t, sh.WriteHeader(probe))

	_, err = LoadHeader(sh)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHeaderCorrupt))
}

func TestLoadHeaderRejectsHeaderSizeLargerThanFile(t *testing.T) {
	sh, _ := newPersistedHeader(t)

	probe, err := sh.ReadHeader(fixedHeaderSize)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(probe[offHeaderSize:offHeaderSize+4], uint32(sh.Size())+4096)
	require.NoError(t, sh.WriteHeader(probe))

	_, err = LoadHeader(sh)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrFileSize))
}
