package conf

import (
	"os"

	"github.com/pelletier/go-toml"
)

// Tuning holds the list-shaped knobs that don't fit an ini flat namespace:
// the lookup-page-pool block-size ladder, the vacuum strategy selection, and
// the static block map's pre-install entries. Loaded from tuning.toml the
// way execution_context.go reaches for go-toml for its nested tables.
type Tuning struct {
	// LookupBlockSizes is the ascending ladder of
	// §4.4: first allocation uses the smallest size, growing to the largest.
	LookupBlockSizes []int `toml:"lookup_block_sizes"`

	// VacuumStrategy names the pluggable §4.10 strategy; "best-fit" is the
	// only one this module ships, but the knob exists for substitution.
	VacuumStrategy string `toml:"vacuum_strategy"`

	// StaticBlocks pre-installs named addresses into the static block map
	// (§6) at bootstrap, keyed by URI.
	StaticBlocks []StaticBlockEntry `toml:"static_block"`
}

// StaticBlockEntry is one [[static_block]] table in tuning.toml.
type StaticBlockEntry struct {
	URI     string `toml:"uri"`
	Address int64  `toml:"address"`
}

// DefaultTuning returns the ladder and strategy used when no tuning.toml is present.
func DefaultTuning() *Tuning {
	return &Tuning{
		LookupBlockSizes: []int{8, 32, 128, 512, 2040},
		VacuumStrategy:   "best-fit",
	}
}

// LoadTuning reads path as TOML, falling back to DefaultTuning when path is empty
// or does not exist.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	loaded := &Tuning{}
	if err := toml.Unmarshal(data, loaded); err != nil {
		return nil, err
	}

	if len(loaded.LookupBlockSizes) > 0 {
		t.LookupBlockSizes = loaded.LookupBlockSizes
	}
	if loaded.VacuumStrategy != "" {
		t.VacuumStrategy = loaded.VacuumStrategy
	}
	t.StaticBlocks = loaded.StaticBlocks

	return t, nil
}
