package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestValidateRejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Options)
	}{
		{"missing base path", func(o *Options) { o.BasePath = "" }},
		{"unknown compaction strategy", func(o *Options) { o.CompactionStrategy = "bogus" }},
		{"zero memtable size", func(o *Options) { o.MemtableMaxSizeBytes = 0 }},
		{"negative inactive limit", func(o *Options) { o.MaxMemtablesInactive = -1 }},
		{"zero bloom entries", func(o *Options) { o.BloomFilterNEntries = 0 }},
		{"zero block size", func(o *Options) { o.BlockSizeBytes = 0 }},
		{"zero sst size", func(o *Options) { o.SSTSizeBytes = 0 }},
		{"zero cached blocks", func(o *Options) { o.NCachedBlocksPerSSTable = 0 }},
		{"zero level0 trigger", func(o *Options) { o.SimpleLeveled.Level0FileNumCompactionTrigger = 0 }},
		{"zero tier threshold", func(o *Options) { o.Tiered.TierCountThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Default()
			tt.mod(opts)
			if err := opts.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestLoadAppliesOverridesOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
base_path: /var/lib/laura
compaction_strategy: tiered
memtable_max_size_bytes: 2097152
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if opts.BasePath != "/var/lib/laura" {
		t.Fatalf("expected overridden base_path, got %q", opts.BasePath)
	}
	if opts.CompactionStrategy != Tiered {
		t.Fatalf("expected overridden compaction_strategy, got %q", opts.CompactionStrategy)
	}
	if opts.MemtableMaxSizeBytes != 2097152 {
		t.Fatalf("expected overridden memtable_max_size_bytes, got %d", opts.MemtableMaxSizeBytes)
	}
	// Fields the file never mentioned should keep Default()'s values.
	if opts.BloomFilterNEntries != 32768 {
		t.Fatalf("expected default bloom_filter_n_entries to survive, got %d", opts.BloomFilterNEntries)
	}
	if opts.NCachedBlocksPerSSTable != 8 {
		t.Fatalf("expected default n_cached_blocks_per_sstable to survive, got %d", opts.NCachedBlocksPerSSTable)
	}
}

func TestLoadRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("memtable_max_size_bytes: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a zero memtable_max_size_bytes override")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected Load to fail for a missing file")
	}
}

func TestStrategyTranslation(t *testing.T) {
	if got := SimpleLeveled.Strategy(); got != 0 {
		t.Fatalf("expected SimpleLeveled to translate to sstable.SimpleLeveled (0), got %v", got)
	}
	if got := Tiered.Strategy(); got != 1 {
		t.Fatalf("expected Tiered to translate to sstable.Tiered (1), got %v", got)
	}
}
