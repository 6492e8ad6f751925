// Package config defines the engine's external configuration surface:
// the options struct passed to storage.Open, its YAML file loading, and
// struct-tag validation of whatever that file (or caller) supplies.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mnohosten/laura-engine/internal/compaction"
	"github.com/mnohosten/laura-engine/internal/iterator"
	"github.com/mnohosten/laura-engine/internal/keyspace"
	"github.com/mnohosten/laura-engine/internal/sstable"
)

// Strategy names the compaction strategy in YAML/CLI-friendly form;
// internal/sstable.Strategy is the engine's own enum, kept distinct so
// this package never needs to import strategy internals beyond the
// translation in Strategy().
type Strategy string

const (
	SimpleLeveled Strategy = "simple_leveled"
	Tiered        Strategy = "tiered"
)

// Strategy translates the YAML-facing name into the engine's internal
// sstable.Strategy enum, defaulting to SimpleLeveled for an empty or
// unrecognized value (validated separately via the oneof tag below).
func (s Strategy) Strategy() sstable.Strategy {
	if s == Tiered {
		return sstable.Tiered
	}
	return sstable.SimpleLeveled
}

// SimpleLeveledOptions mirrors compaction.SimpleLeveledParams in
// YAML-tagged, validated form.
type SimpleLeveledOptions struct {
	Level0FileNumCompactionTrigger int `yaml:"level0_file_num_compaction_trigger" validate:"gte=1"`
	SizeRatioPercent               int `yaml:"size_ratio_percent" validate:"gte=1"`
	MaxLevels                      int `yaml:"max_levels" validate:"gte=1"`
}

// TieredOptions mirrors compaction.TieredParams in YAML-tagged,
// validated form.
type TieredOptions struct {
	TierCountThreshold int `yaml:"tier_count_threshold" validate:"gte=1"`
}

// Options is the spec's §6 "Configuration (enumerated)" list, loadable
// from a YAML file via Load or constructed directly via Default.
//
// Grounded on the teacher's pkg/server.Config/DefaultConfig shape (a
// plain struct plus a Default constructor) combined with
// dd0wney-graphdb's go-playground/validator struct-tag pattern
// (pkg/validation/validator.go's validate.Struct(req)) and
// gopkg.in/yaml.v3 file loading (cmd/graphdb-upgrade/main.go's
// os.ReadFile + yaml.Unmarshal), neither of which the teacher itself
// does for its own server.Config.
type Options struct {
	BasePath string `yaml:"base_path" validate:"required"`

	CompactionStrategy        Strategy `yaml:"compaction_strategy" validate:"oneof=simple_leveled tiered"`
	CompactionTaskFrequencyMs int      `yaml:"compaction_task_frequency_ms" validate:"gte=1"`

	MemtableMaxSizeBytes int64 `yaml:"memtable_max_size_bytes" validate:"gt=0"`
	MaxMemtablesInactive int   `yaml:"max_memtables_inactive" validate:"gte=0"`

	BloomFilterNEntries     int   `yaml:"bloom_filter_n_entries" validate:"gt=0"`
	BlockSizeBytes          int   `yaml:"block_size_bytes" validate:"gt=0"`
	SSTSizeBytes            int64 `yaml:"sst_size_bytes" validate:"gt=0"`
	NCachedBlocksPerSSTable int   `yaml:"n_cached_blocks_per_sstable" validate:"gt=0"`
	Compress                bool  `yaml:"compress"`

	SimpleLeveled SimpleLeveledOptions `yaml:"simple_leveled"`
	Tiered        TieredOptions        `yaml:"tiered"`

	// EnableMetrics toggles whether storage.Open builds a
	// telemetry.Registry for this engine instance. Not part of the
	// spec's enumerated list (telemetry is ambient, not a named
	// configuration knob) but it has to live somewhere the caller can
	// reach, and every other toggle lives here.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// Default returns the spec's §6 defaults.
func Default() *Options {
	return &Options{
		BasePath:                  "./data",
		CompactionStrategy:        SimpleLeveled,
		CompactionTaskFrequencyMs: 100,
		MemtableMaxSizeBytes:      1 << 20,
		MaxMemtablesInactive:      8,
		BloomFilterNEntries:       32768,
		BlockSizeBytes:            4096,
		SSTSizeBytes:              256 << 20,
		NCachedBlocksPerSSTable:   8,
		Compress:                  true,
		SimpleLeveled: SimpleLeveledOptions{
			Level0FileNumCompactionTrigger: 4,
			SizeRatioPercent:               200,
			MaxLevels:                      7,
		},
		Tiered: TieredOptions{
			TierCountThreshold: 4,
		},
		EnableMetrics: true,
	}
}

// Load reads path as YAML, applying its fields on top of Default() so a
// caller's config file only needs to list what it overrides, then
// validates the result.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	opts := Default()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks every struct tag declared on Options, then that
// NCachedBlocksPerSSTable is a power of two, returning the first
// violation in a human-readable form.
func (o *Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: failed %q constraint", e.Namespace(), e.Tag())
		}
		return err
	}
	if n := o.NCachedBlocksPerSSTable; n&(n-1) != 0 {
		return fmt.Errorf("Options.NCachedBlocksPerSSTable: failed %q constraint", "power_of_two")
	}
	return nil
}

// SimpleLeveledParams converts the validated options into
// compaction.SimpleLeveledParams.
func (o *Options) SimpleLeveledParams() compaction.SimpleLeveledParams {
	return compaction.SimpleLeveledParams{
		Level0FileNumCompactionTrigger: o.SimpleLeveled.Level0FileNumCompactionTrigger,
		SizeRatioPercent:               o.SimpleLeveled.SizeRatioPercent,
		MaxLevels:                      o.SimpleLeveled.MaxLevels,
	}
}

// TieredParams converts the validated options into
// compaction.TieredParams.
func (o *Options) TieredParams() compaction.TieredParams {
	return compaction.TieredParams{TierCountThreshold: o.Tiered.TierCountThreshold}
}

// KeyspaceConfig converts the validated, engine-wide Options into the
// per-keyspace keyspace.Config every keyspace.Manager.Create/recoverKeyspace
// call constructs a new Keyspace from. merger carries the caller's
// storage_value_merger, which Options itself never represents since a
// Go function value has no YAML encoding.
func (o *Options) KeyspaceConfig(merger iterator.MergeFunc) keyspace.Config {
	return keyspace.Config{
		MemtableMaxSizeBytes:      o.MemtableMaxSizeBytes,
		MaxMemtablesInactive:      o.MaxMemtablesInactive,
		BlockSizeBytes:            o.BlockSizeBytes,
		BloomFilterNEntries:       o.BloomFilterNEntries,
		SSTSizeBytes:              o.SSTSizeBytes,
		Compress:                  o.Compress,
		NCachedBlocksPerSSTable:   o.NCachedBlocksPerSSTable,
		CompactionStrategy:        o.CompactionStrategy.Strategy(),
		CompactionTaskFrequencyMs: o.CompactionTaskFrequencyMs,
		SimpleLeveled:             o.SimpleLeveledParams(),
		Tiered:                    o.TieredParams(),
		Merger:                    merger,
	}
}
