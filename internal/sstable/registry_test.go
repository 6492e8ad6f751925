package sstable

import (
	"path/filepath"
	"testing"

	"github.com/mnohosten/laura-engine/internal/keys"
)

func TestRegistryAppendL0AndGetLeveled(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(SimpleLeveled)

	sst1 := writeTestTable(t, dir, 1, []keys.Entry{keys.NewValue([]byte("a"), 1, []byte("1"))})
	sst2 := writeTestTable(t, dir, 2, []keys.Entry{keys.NewValue([]byte("a"), 2, []byte("2"))})

	reg.AppendL0(sst1)
	reg.AppendL0(sst2)

	if reg.L0Count() != 2 {
		t.Fatalf("expected 2 tables in L0, got %d", reg.L0Count())
	}

	e, ok, err := reg.Get([]byte("a"), 10)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(e.Value) != "2" {
		t.Fatalf("expected newest L0 table to win, got %q", e.Value)
	}
}

func TestRegistryApplyCompactionSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(SimpleLeveled)

	sst1 := writeTestTable(t, dir, 1, []keys.Entry{keys.NewValue([]byte("a"), 1, []byte("1"))})
	sst2 := writeTestTable(t, dir, 2, []keys.Entry{keys.NewValue([]byte("b"), 1, []byte("2"))})
	reg.AppendL0(sst1)
	reg.AppendL0(sst2)

	merged := writeTestTable(t, filepath.Join(dir, "merged"), 3, []keys.Entry{
		keys.NewValue([]byte("a"), 1, []byte("1")),
		keys.NewValue([]byte("b"), 1, []byte("2")),
	})

	reg.ApplyCompaction(CompactionTask{InputIDs: []uint64{1, 2}, SourceLevel: 0, TargetLevel: 1}, []*SSTable{merged})

	if reg.L0Count() != 0 {
		t.Fatalf("expected L0 emptied after compaction, got %d", reg.L0Count())
	}

	e, ok, err := reg.Get([]byte("a"), 10)
	if err != nil || !ok || string(e.Value) != "1" {
		t.Fatalf("expected a=1 post-compaction, got ok=%v err=%v e=%+v", ok, err, e)
	}
}

func TestRegistryTieredAppendNewestFirst(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Tiered)

	sst1 := writeTestTable(t, dir, 1, []keys.Entry{keys.NewValue([]byte("a"), 1, []byte("old"))})
	sst2 := writeTestTable(t, dir, 2, []keys.Entry{keys.NewValue([]byte("a"), 2, []byte("new"))})
	reg.AppendL0(sst1)
	reg.AppendL0(sst2)

	e, ok, err := reg.Get([]byte("a"), 10)
	if err != nil || !ok || string(e.Value) != "new" {
		t.Fatalf("expected newest tier to win, got ok=%v err=%v e=%+v", ok, err, e)
	}
}
