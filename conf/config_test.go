package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCfgDefaults(t *testing.T) {
	cfg := NewCfg()
	require.Equal(t, ".", cfg.DataDir)
	require.Equal(t, "pack.db", cfg.FileName)
	require.EqualValues(t, 8192, cfg.PageSize)
	require.EqualValues(t, 64, cfg.Alignment)
	require.EqualValues(t, 1, cfg.JournalCount)
	require.EqualValues(t, 4, cfg.AddressPagePoolSize)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadWithEmptyPathKeepsDefaults(t *testing.T) {
	cfg := NewCfg()
	loaded, err := cfg.Load(&CommandLineArgs{})
	require.NoError(t, err)
	require.Same(t, cfg, loaded)
	require.Equal(t, "pack.db", loaded.FileName)
}

func TestLoadMissingFileErrors(t *testing.T) {
	cfg := NewCfg()
	_, err := cfg.Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "missing.ini")})
	require.Error(t, err)
}

func TestLoadOverlaysIniOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.ini")
	contents := `[pack]
datadir = /var/lib/pack
filename = mine.db
page_size = 16384
journal_count = 3

[log]
level = debug
info_log = info.log
error_log = error.log
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg := NewCfg()
	loaded, err := cfg.Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	require.Equal(t, "/var/lib/pack", loaded.DataDir)
	require.Equal(t, "mine.db", loaded.FileName)
	require.EqualValues(t, 16384, loaded.PageSize)
	require.EqualValues(t, 3, loaded.JournalCount)
	require.EqualValues(t, 64, loaded.Alignment, "fields absent from the ini file keep their default")
	require.Equal(t, "debug", loaded.LogLevel)
	require.Equal(t, "info.log", loaded.LogInfoPath)
	require.Equal(t, "error.log", loaded.LogErrorPath)
}

func TestPackPathJoinsDataDirAndFileName(t *testing.T) {
	cfg := NewCfg()
	cfg.DataDir = "/data"
	cfg.FileName = "main.pack"
	require.Equal(t, filepath.Join("/data", "main.pack"), cfg.PackPath())
}
