// Package compaction implements background reorganization of the
// SSTable tier: task selection for the simple-leveled and tiered
// strategies, and the per-keyspace worker that executes them.
package compaction

import (
	"bytes"

	"github.com/mnohosten/laura-engine/internal/sstable"
)

// SimpleLeveledParams configures the simple-leveled strategy.
type SimpleLeveledParams struct {
	// Level0FileNumCompactionTrigger is the L0 file count that
	// triggers compacting all of L0 into L1.
	Level0FileNumCompactionTrigger int
	// SizeRatioPercent triggers compacting L_i into L_{i+1} once
	// size(L_{i+1})/size(L_i) falls below this percentage.
	SizeRatioPercent int
	// MaxLevels bounds how many levels the strategy will create.
	MaxLevels int
}

// DefaultSimpleLeveledParams mirrors the teacher's four-file trigger
// (pkg/lsm/lsm.go compacts once len(sstables) > 4), adapted into the
// spec's named level0_file_num_compaction_trigger/size_ratio_percent
// parameters.
func DefaultSimpleLeveledParams() SimpleLeveledParams {
	return SimpleLeveledParams{
		Level0FileNumCompactionTrigger: 4,
		SizeRatioPercent:               200,
		MaxLevels:                      7,
	}
}

// TieredParams configures the tiered strategy.
type TieredParams struct {
	// TierCountThreshold triggers merging every tier into one once the
	// tier count exceeds it.
	TierCountThreshold int
}

// DefaultTieredParams picks a threshold in the same spirit as the
// leveled default: roughly the point at which scanning linearly
// through tiers starts costing more than a merge.
func DefaultTieredParams() TieredParams {
	return TieredParams{TierCountThreshold: 4}
}

// Strategy proposes at most one CompactionTask per call, or nil if no
// compaction is currently warranted.
//
// Grounded on the teacher's pkg/lsm/lsm.go compact(): "if more than N
// files exist, merge the oldest batch", generalized into two
// strategies with the parameters §4.4 names, and into a pure decision
// function (registry state in, task out) so the worker in worker.go
// owns execution and I/O instead of the strategy itself.
type Strategy interface {
	Propose(reg *sstable.Registry) *sstable.CompactionTask
}

// SimpleLeveledStrategy implements the leveled task-selection rules.
type SimpleLeveledStrategy struct {
	Params SimpleLeveledParams
}

// Propose returns an L0-to-L1 compaction once L0 reaches its trigger
// count, else the first level whose size ratio against its next level
// falls below the configured threshold.
func (s SimpleLeveledStrategy) Propose(reg *sstable.Registry) *sstable.CompactionTask {
	if reg.L0Count() >= s.Params.Level0FileNumCompactionTrigger {
		return buildTask(reg, 0, 1)
	}

	for i := 1; i < s.Params.MaxLevels; i++ {
		sizeI := reg.LevelSize(i)
		if sizeI == 0 {
			continue
		}
		sizeNext := reg.LevelSize(i + 1)
		ratio := sizeNext * 100 / sizeI
		if ratio < s.Params.SizeRatioPercent {
			if task := buildTask(reg, i, i+1); task != nil {
				return task
			}
		}
	}
	return nil
}

// buildTask collects every table at sourceLevel plus any table at
// targetLevel whose key range overlaps them, so the merge output can
// be written back without violating targetLevel's disjointness
// invariant.
func buildTask(reg *sstable.Registry, sourceLevel, targetLevel int) *sstable.CompactionTask {
	sourceTables := reg.LevelTables(sourceLevel)
	if len(sourceTables) == 0 {
		return nil
	}

	minKey, maxKey := sourceTables[0].KeyRange()
	for _, sst := range sourceTables[1:] {
		lo, hi := sst.KeyRange()
		if bytes.Compare(lo, minKey) < 0 {
			minKey = lo
		}
		if bytes.Compare(hi, maxKey) > 0 {
			maxKey = hi
		}
	}

	ids := make([]uint64, 0, len(sourceTables))
	for _, sst := range sourceTables {
		ids = append(ids, sst.ID)
	}
	for _, sst := range reg.OverlappingTables(targetLevel, minKey, maxKey) {
		ids = append(ids, sst.ID)
	}

	return &sstable.CompactionTask{InputIDs: ids, SourceLevel: sourceLevel, TargetLevel: targetLevel}
}

// TieredStrategy implements the tiered task-selection rule.
type TieredStrategy struct {
	Params TieredParams
}

// Propose merges every tier into one new tier once the tier count
// exceeds the configured threshold.
func (s TieredStrategy) Propose(reg *sstable.Registry) *sstable.CompactionTask {
	if reg.NumLevels() <= s.Params.TierCountThreshold {
		return nil
	}
	var ids []uint64
	for _, sst := range reg.AllTables() {
		ids = append(ids, sst.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return &sstable.CompactionTask{InputIDs: ids, SourceLevel: 0, TargetLevel: 0}
}
