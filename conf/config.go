// Package conf loads the pack.ini engine configuration and the tuning.toml
// knob file, the way server/conf/config.go loads my.ini for the MySQL server.
package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Cfg holds the engine-wide configuration read from pack.ini's [pack] and [log] sections.
type Cfg struct {
	Raw *ini.File

	DataDir  string
	FileName string

	PageSize            uint32
	Alignment           uint32
	JournalCount        uint32
	StaticBlockCount    uint32
	AddressPagePoolSize uint32

	LogInfoPath  string
	LogErrorPath string
	LogLevel     string
}

// CommandLineArgs mirrors conf.CommandLineArgs: just the path to the ini file.
type CommandLineArgs struct {
	ConfigPath string
}

// NewCfg returns a Cfg carrying the engine's defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                 ini.Empty(),
		DataDir:             ".",
		FileName:            "pack.db",
		PageSize:            8192,
		Alignment:           64,
		JournalCount:        1,
		StaticBlockCount:    0,
		AddressPagePoolSize: 4,
		LogLevel:            "info",
	}
}

// Load reads args.ConfigPath (an ini file) and overlays it on the defaults.
// Unlike the teacher's CLI-facing loader, this returns an error instead of
// calling os.Exit — Cfg is also usable as a library from tests.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	if args.ConfigPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("conf: config file %q does not exist", args.ConfigPath)
	}

	iniFile, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("conf: failed to parse %q: %w", args.ConfigPath, err)
	}
	cfg.Raw = iniFile

	section := iniFile.Section("pack")
	cfg.DataDir = section.Key("datadir").MustString(cfg.DataDir)
	cfg.FileName = section.Key("filename").MustString(cfg.FileName)
	cfg.PageSize = uint32(section.Key("page_size").MustUint(uint(cfg.PageSize)))
	cfg.Alignment = uint32(section.Key("alignment").MustUint(uint(cfg.Alignment)))
	cfg.JournalCount = uint32(section.Key("journal_count").MustUint(uint(cfg.JournalCount)))
	cfg.StaticBlockCount = uint32(section.Key("static_block_count").MustUint(uint(cfg.StaticBlockCount)))
	cfg.AddressPagePoolSize = uint32(section.Key("address_page_pool_size").MustUint(uint(cfg.AddressPagePoolSize)))

	logSection := iniFile.Section("log")
	cfg.LogInfoPath = logSection.Key("info_log").MustString("")
	cfg.LogErrorPath = logSection.Key("error_log").MustString("")
	cfg.LogLevel = logSection.Key("level").MustString(cfg.LogLevel)

	return cfg, nil
}

// PackPath returns the configured pack file path, DataDir joined with FileName.
func (cfg *Cfg) PackPath() string {
	return filepath.Join(cfg.DataDir, cfg.FileName)
}
