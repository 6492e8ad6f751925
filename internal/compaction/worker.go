package compaction

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/laura-engine/internal/engineid"
	"github.com/mnohosten/laura-engine/internal/iterator"
	"github.com/mnohosten/laura-engine/internal/keys"
	"github.com/mnohosten/laura-engine/internal/manifest"
	"github.com/mnohosten/laura-engine/internal/sstable"
)

// WorkerConfig configures one keyspace's background compaction worker.
type WorkerConfig struct {
	// Dir is the keyspace's SSTable directory, matching the one
	// memtable flushes write into.
	Dir string
	// PollInterval is how often the worker asks its strategy to
	// propose a task; the spec's compaction_task_frequency_ms.
	PollInterval time.Duration
	// SSTSizeBytes bounds each output table's approximate size; once
	// exceeded, the worker rolls over to a new output file rather than
	// growing the current one further.
	SSTSizeBytes int64
	// BlockTargetBytes and BloomEntriesPerTable configure each output
	// SSTable's writer the same way a memtable flush does.
	BlockTargetBytes     int
	BloomEntriesPerTable int
	Compress             bool

	// OnTaskComplete, if non-nil, is called once per executed task with
	// its outcome and wall-clock duration; used to feed
	// internal/telemetry without this package importing it. Never
	// called for a poll that found no task to run.
	OnTaskComplete func(ok bool, d time.Duration)

	// Logger receives one Error-level record per failed task, per
	// spec.md §7's "logged, worker continues" CompactionFailed
	// handling. Defaults to slog.Default() if nil.
	Logger *slog.Logger

	// Cache, if non-nil, has every consumed input table's blocks
	// evicted once a task's outputs are durably registered, so a
	// compacted-away SSTable's blocks don't linger in memory under an
	// id nothing will open again.
	Cache *sstable.BlockCache
}

// DefaultWorkerConfig mirrors the teacher's 4MB memtable-driven table
// sizing, scaled up to the spec's 256MiB default output size.
func DefaultWorkerConfig(dir string) WorkerConfig {
	return WorkerConfig{
		Dir:                  dir,
		PollInterval:         100 * time.Millisecond,
		SSTSizeBytes:         256 * 1024 * 1024,
		BlockTargetBytes:     4096,
		BloomEntriesPerTable: 10000,
		Compress:             true,
	}
}

// Worker runs one keyspace's background compaction loop: poll the
// strategy, execute at most one task at a time, and record the task's
// lifecycle in the manifest so recovery can tell a finished compaction
// from an interrupted one.
//
// Grounded on the teacher's pkg/lsm/lsm.go compactionWorker/compact
// pair (ticker-driven poll, single in-flight compaction, atomic
// registry swap on success), generalized from "merge the oldest 4
// files" to strategy-selected tasks and MVCC-aware version retention.
type Worker struct {
	cfg      WorkerConfig
	reg      *sstable.Registry
	man      *manifest.Manifest
	strategy Strategy
	sstAlloc *engineid.Allocator

	// oldestActiveSnapshot reports the lowest txn_id among currently
	// active transactions, or ^TxnID(0) if none are active, the
	// boundary below which a bottom-level compaction may drop
	// superseded versions and tombstones.
	oldestActiveSnapshot func() keys.TxnID

	running int32 // 0 or 1, CAS-guarded: at most one task in flight

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker constructs a worker. sstAlloc must be the same allocator
// the keyspace's memtable flush path uses, so flush-produced and
// compaction-produced SSTables never collide on id.
func NewWorker(cfg WorkerConfig, reg *sstable.Registry, man *manifest.Manifest, strategy Strategy, sstAlloc *engineid.Allocator, oldestActiveSnapshot func() keys.TxnID) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		cfg:                  cfg,
		reg:                  reg,
		man:                  man,
		strategy:             strategy,
		sstAlloc:             sstAlloc,
		oldestActiveSnapshot: oldestActiveSnapshot,
		stopCh:               make(chan struct{}),
	}
}

// Start launches the poll loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the poll loop to exit and waits for it to return.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.runOnce(); err != nil {
				w.cfg.Logger.Error("compaction task failed, manifest op left incomplete for next recovery", "error", err)
			}
		case <-w.stopCh:
			return
		}
	}
}

// runOnce proposes and, if one is warranted, executes a single
// compaction task. It is safe to call concurrently with the poll
// loop's own calls; only one task ever runs at a time.
func (w *Worker) runOnce() error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&w.running, 0)

	task := w.strategy.Propose(w.reg)
	if task == nil {
		return nil
	}
	return w.execute(*task)
}

func (w *Worker) execute(task sstable.CompactionTask) error {
	start := time.Now()
	err := w.executeTask(task)
	if w.cfg.OnTaskComplete != nil {
		w.cfg.OnTaskComplete(err == nil, time.Since(start))
	}
	return err
}

func (w *Worker) executeTask(task sstable.CompactionTask) error {
	inputs := make([]*sstable.SSTable, 0, len(task.InputIDs))
	for _, id := range task.InputIDs {
		if sst := w.reg.TableByID(id); sst != nil {
			inputs = append(inputs, sst)
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	opID, err := w.man.AppendOperation(manifest.OpCompactionTask, manifest.CompactionTaskPayload{
		InputIDs:    task.InputIDs,
		SourceLevel: task.SourceLevel,
		TargetLevel: task.TargetLevel,
	})
	if err != nil {
		return fmt.Errorf("compaction: log task: %w", err)
	}

	children := make([]iterator.Iterator, 0, len(inputs))
	for _, sst := range inputs {
		it, err := sst.Iter()
		if err != nil {
			return fmt.Errorf("compaction: open iterator: %w", err)
		}
		children = append(children, it)
	}
	merged, err := iterator.NewKWay(children)
	if err != nil {
		return fmt.Errorf("compaction: merge inputs: %w", err)
	}

	bottom := isBottomLevel(w.reg, task)
	oldest := w.oldestActiveSnapshot()

	outputs, err := w.writeOutputs(merged, bottom, oldest)
	if err != nil {
		return fmt.Errorf("compaction: write outputs: %w", err)
	}

	w.reg.ApplyCompaction(task, outputs)

	for _, sst := range inputs {
		// Best effort: a file left behind after a successful swap is
		// harmless, it simply never gets opened again.
		_ = os.Remove(sst.Path())
		if w.cfg.Cache != nil {
			w.cfg.Cache.EvictSSTable(sst.ID)
		}
	}

	outputIDs := make([]uint64, 0, len(outputs))
	for _, sst := range outputs {
		outputIDs = append(outputIDs, sst.ID)
	}
	return w.man.MarkCompletedWithPayload(opID, manifest.CompactionTaskPayload{
		InputIDs:    task.InputIDs,
		OutputIDs:   outputIDs,
		SourceLevel: task.SourceLevel,
		TargetLevel: task.TargetLevel,
	})
}

// isBottomLevel reports whether task's target holds the oldest data a
// key can have: for the simple-leveled strategy, the deepest level
// currently in use; for the tiered strategy's full-tier merge
// (source == target), always true, since it consumes every tier at
// once.
func isBottomLevel(reg *sstable.Registry, task sstable.CompactionTask) bool {
	if task.SourceLevel == task.TargetLevel {
		return true
	}
	return task.TargetLevel >= reg.NumLevels()-1
}

// writeOutputs drains merged, grouping entries by user key, applying
// MVCC version retention at the bottom level, and rolling over to a
// new output SSTable once the current one passes SSTSizeBytes. A
// group is never split across two output files, preserving the
// disjoint-key-range invariant a leveled target relies on.
func (w *Worker) writeOutputs(merged iterator.Iterator, bottom bool, oldest keys.TxnID) ([]*sstable.SSTable, error) {
	grouped, err := newGroupedIterator(merged)
	if err != nil {
		return nil, err
	}

	var outputs []*sstable.SSTable
	var writer *sstable.Writer

	flush := func() error {
		if writer == nil {
			return nil
		}
		sst, err := writer.Finalize()
		if err != nil {
			return err
		}
		outputs = append(outputs, sst)
		writer = nil
		return nil
	}

	for {
		group, err := grouped.next()
		if err != nil {
			_ = flush()
			return outputs, err
		}
		if group == nil {
			break
		}

		kept := group
		if bottom {
			kept = retainVisible(group, oldest)
		}
		if len(kept) == 0 {
			continue
		}

		if writer == nil {
			id := w.sstAlloc.Next()
			writer, err = sstable.NewWriter(w.cfg.Dir, id, w.cfg.BlockTargetBytes, w.cfg.BloomEntriesPerTable, w.cfg.Compress)
			if err != nil {
				return outputs, err
			}
		}

		for _, e := range kept {
			if err := writer.Add(e); err != nil {
				_ = writer.Abort()
				return outputs, err
			}
		}

		if writer.ApproxSize() >= w.cfg.SSTSizeBytes {
			if err := flush(); err != nil {
				return outputs, err
			}
		}
	}

	if err := flush(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// retainVisible drops versions of a key that no active snapshot could
// still need and, once nothing else refers to the key, a resolved
// tombstone: group is sorted newest (highest txn_id) first. The newest
// version with txn_id <= oldest is kept as the floor every older
// active reader would also resolve to; everything strictly older is
// dominated and discarded.
func retainVisible(group []keys.Entry, oldest keys.TxnID) []keys.Entry {
	kept := make([]keys.Entry, 0, len(group))
	for _, e := range group {
		kept = append(kept, e)
		if e.Key.TxnID <= oldest {
			break
		}
	}
	if len(kept) == 1 && kept[0].Tombstone && kept[0].Key.TxnID <= oldest {
		return nil
	}
	return kept
}

// groupedIterator buffers one entry of lookahead so it can detect a
// user-key group boundary without losing the first entry of the next
// group, the same one-entry-lookahead shape internal/iterator's
// StorageEngine uses to collapse same-key runs.
type groupedIterator struct {
	inner iterator.Iterator

	pendingKey   keys.VersionedKey
	pendingValue []byte
	pendingTomb  bool
	havePending  bool
}

func newGroupedIterator(inner iterator.Iterator) (*groupedIterator, error) {
	g := &groupedIterator{inner: inner}
	ok, err := inner.Next()
	if err != nil {
		return nil, err
	}
	if ok {
		g.pendingKey = inner.Key()
		g.pendingValue = inner.Value()
		g.pendingTomb = inner.IsTombstone()
		g.havePending = true
	}
	return g, nil
}

// next returns every entry sharing the next unread user key, or nil
// once the underlying iterator is exhausted.
func (g *groupedIterator) next() ([]keys.Entry, error) {
	if !g.havePending {
		return nil, nil
	}
	userKey := append([]byte(nil), g.pendingKey.UserKey...)

	var group []keys.Entry
	for g.havePending && bytes.Equal(g.pendingKey.UserKey, userKey) {
		group = append(group, keys.Entry{
			Key:       g.pendingKey,
			Value:     g.pendingValue,
			Tombstone: g.pendingTomb,
		})
		ok, err := g.inner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			g.havePending = false
			break
		}
		g.pendingKey = g.inner.Key()
		g.pendingValue = g.inner.Value()
		g.pendingTomb = g.inner.IsTombstone()
	}
	return group, nil
}
