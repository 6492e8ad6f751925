// Package keyspace composes the memtable tier, the SSTable registry,
// the manifest, and a compaction worker into the unit of isolation the
// spec calls a keyspace: everything needed to serve
// set/get/delete/scan against one independently compacted key range.
package keyspace

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/laura-engine/internal/compaction"
	"github.com/mnohosten/laura-engine/internal/engineid"
	"github.com/mnohosten/laura-engine/internal/iterator"
	"github.com/mnohosten/laura-engine/internal/keys"
	"github.com/mnohosten/laura-engine/internal/manifest"
	"github.com/mnohosten/laura-engine/internal/memtable"
	"github.com/mnohosten/laura-engine/internal/sstable"
	"github.com/mnohosten/laura-engine/internal/telemetry"
	"github.com/mnohosten/laura-engine/internal/txn"
)

// Config holds the per-keyspace tunables named in the spec's
// configuration section: memtable rotation, SSTable sizing, and the
// compaction strategy's own parameters.
type Config struct {
	MemtableMaxSizeBytes int64
	MaxMemtablesInactive int

	BlockSizeBytes          int
	BloomFilterNEntries     int
	SSTSizeBytes            int64
	Compress                bool
	NCachedBlocksPerSSTable int

	CompactionStrategy        sstable.Strategy
	CompactionTaskFrequencyMs int
	SimpleLeveled             compaction.SimpleLeveledParams
	Tiered                    compaction.TieredParams

	// Merger implements the optional storage_value_merger; nil means
	// "last write wins", the default §4.7 behavior.
	Merger iterator.MergeFunc
}

// DefaultConfig mirrors the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		MemtableMaxSizeBytes:      1 << 20,
		MaxMemtablesInactive:      8,
		BlockSizeBytes:            4096,
		BloomFilterNEntries:       32768,
		SSTSizeBytes:              256 << 20,
		Compress:                  true,
		NCachedBlocksPerSSTable:   8,
		CompactionStrategy:        sstable.SimpleLeveled,
		CompactionTaskFrequencyMs: 100,
		SimpleLeveled:             compaction.DefaultSimpleLeveledParams(),
		Tiered:                    compaction.DefaultTieredParams(),
	}
}

// Visibility abstracts the transaction manager's visibility rule so
// Keyspace never has to reach into txn.Manager internals beyond the
// two calls it actually needs.
type Visibility interface {
	Visible(writerID keys.TxnID, t *txn.Transaction) bool
	OldestActive() keys.TxnID
}

// Keyspace is the unit of isolation for compaction and storage: its
// own Active/Inactive memtables, SSTables registry, manifest, and
// compaction worker, sharing only the engine-wide transaction manager.
//
// Grounded on §4.6's set_with_transaction/scan_all_with_transaction
// composition and the teacher's pkg/lsm/lsm.go LSMTree (which plays
// the same composing role for one flat memtable+sstables pair,
// generalized here into per-keyspace isolation and an explicit
// Active/Inactive rotation instead of a single mutable MemTable
// field).
type Keyspace struct {
	ID  uint32
	dir string
	cfg Config

	txnMgr Visibility

	active atomic.Pointer[memtable.Memtable]

	rotateMu sync.Mutex
	inactive []*memtable.Memtable

	memtableAlloc *engineid.Allocator
	sstAlloc      *engineid.Allocator

	registry *sstable.Registry
	man      *manifest.Manifest
	worker   *compaction.Worker

	metrics      *telemetry.Registry
	keyspaceName string
}

// Open creates or reopens the keyspace rooted at dir (normally
// base_path/<keyspace_id>). sstAlloc and memtableAlloc should already
// be positioned past any id recovered for this keyspace. metrics may be
// nil, in which case the keyspace runs with no telemetry at all.
func Open(id uint32, dir string, cfg Config, txnMgr Visibility, memtableAlloc, sstAlloc *engineid.Allocator, reg *sstable.Registry, man *manifest.Manifest, metrics *telemetry.Registry, cache *sstable.BlockCache) (*Keyspace, error) {
	k := &Keyspace{
		ID:            id,
		dir:           dir,
		cfg:           cfg,
		txnMgr:        txnMgr,
		memtableAlloc: memtableAlloc,
		sstAlloc:      sstAlloc,
		registry:      reg,
		man:           man,
		metrics:       metrics,
		keyspaceName:  strconv.FormatUint(uint64(id), 10),
	}
	k.active.Store(memtable.New(k.memtableAlloc.Next(), cfg.MemtableMaxSizeBytes))

	var strategy compaction.Strategy
	switch cfg.CompactionStrategy {
	case sstable.Tiered:
		strategy = compaction.TieredStrategy{Params: cfg.Tiered}
	default:
		strategy = compaction.SimpleLeveledStrategy{Params: cfg.SimpleLeveled}
	}
	workerCfg := compaction.DefaultWorkerConfig(dir)
	if cfg.CompactionTaskFrequencyMs > 0 {
		workerCfg.PollInterval = time.Duration(cfg.CompactionTaskFrequencyMs) * time.Millisecond
	}
	workerCfg.BlockTargetBytes = cfg.BlockSizeBytes
	workerCfg.BloomEntriesPerTable = cfg.BloomFilterNEntries
	workerCfg.SSTSizeBytes = cfg.SSTSizeBytes
	workerCfg.Compress = cfg.Compress
	workerCfg.Cache = cache
	workerCfg.OnTaskComplete = func(ok bool, d time.Duration) {
		metrics.RecordCompactionTask(k.keyspaceName, ok, d)
		k.reportSSTableCounts()
	}

	k.worker = compaction.NewWorker(workerCfg, reg, man, strategy, sstAlloc, txnMgr.OldestActive)
	return k, nil
}

// SSTables returns every SSTable currently registered to this keyspace,
// across every level or tier, for diagnostics that need to inspect
// on-disk tables directly (e.g. content-digest verification) rather
// than read through the merged iterator.
func (k *Keyspace) SSTables() []*sstable.SSTable { return k.registry.AllTables() }

// StartCompaction launches the keyspace's background compaction loop.
func (k *Keyspace) StartCompaction() { k.worker.Start() }

// StopCompaction halts the keyspace's background compaction loop,
// waiting for any in-flight task to finish.
func (k *Keyspace) StopCompaction() { k.worker.Stop() }

// SetWithTransaction writes value for userKey under t, per §4.6:
// reject rolled-back transactions, write into the Active memtable, and
// rotate (and, past the inactive backpressure threshold, synchronously
// flush) as needed.
func (k *Keyspace) SetWithTransaction(t *txn.Transaction, userKey, value []byte) error {
	return k.write(t, func(mt *memtable.Memtable) error {
		return mt.Set(t.ID, userKey, value)
	})
}

// DeleteWithTransaction records a tombstone for userKey under t,
// following the same rotation rules as SetWithTransaction.
func (k *Keyspace) DeleteWithTransaction(t *txn.Transaction, userKey []byte) error {
	return k.write(t, func(mt *memtable.Memtable) error {
		return mt.Delete(t.ID, userKey)
	})
}

func (k *Keyspace) write(t *txn.Transaction, apply func(*memtable.Memtable) error) error {
	if t.IsRolledBack() {
		return txn.ErrTxnAborted
	}

	mt := k.active.Load()
	if err := apply(mt); err != nil {
		return err
	}
	t.RecordWrite()

	if mt.IsFull() {
		return k.maybeRotate(mt)
	}
	return nil
}

// maybeRotate moves a full Active memtable to Inactive and installs a
// fresh Active one, serialized by a single writer lock per §4.6 step 3
// and §5's "short, no I/O" rotation guarantee; the backpressure flush
// triggered by exceeding MaxMemtablesInactive happens outside the lock
// since it performs real I/O.
func (k *Keyspace) maybeRotate(full *memtable.Memtable) error {
	k.rotateMu.Lock()
	if k.active.Load() != full {
		// Another writer already rotated this memtable out.
		k.rotateMu.Unlock()
		return nil
	}
	if err := full.TransitionState(memtable.Inactive); err != nil {
		k.rotateMu.Unlock()
		return err
	}

	next := memtable.New(k.memtableAlloc.Next(), k.cfg.MemtableMaxSizeBytes)
	k.active.Store(next)
	k.inactive = append(k.inactive, full)

	var toFlush *memtable.Memtable
	if len(k.inactive) > k.cfg.MaxMemtablesInactive {
		toFlush = k.inactive[0]
		k.inactive = k.inactive[1:]
	}
	inactiveCount := len(k.inactive)
	k.rotateMu.Unlock()

	k.metrics.SetMemtableGauges(k.keyspaceName, next.ApproxSize(), inactiveCount)

	if toFlush != nil {
		return k.flush(toFlush)
	}
	return nil
}

// flush writes mt's entries out as a new level-0 SSTable, logging the
// operation in the manifest before performing the I/O and marking it
// completed only once the table is durably in place, so a crash
// mid-flush leaves a recoverable, clearly-incomplete operation behind.
func (k *Keyspace) flush(mt *memtable.Memtable) error {
	start := time.Now()
	if err := mt.TransitionState(memtable.Flushing); err != nil {
		return err
	}

	id := k.sstAlloc.Next()
	opID, err := k.man.AppendOperation(manifest.OpMemtableFlush, manifest.MemtableFlushPayload{
		SSTableID:  id,
		MemtableID: mt.ID,
	})
	if err != nil {
		return fmt.Errorf("keyspace: log flush: %w", err)
	}

	w, err := sstable.NewWriter(k.sstDir(), id, k.cfg.BlockSizeBytes, k.cfg.BloomFilterNEntries, k.cfg.Compress)
	if err != nil {
		return fmt.Errorf("keyspace: open flush writer: %w", err)
	}

	it := mt.Iter()
	for {
		ok, err := it.Next()
		if err != nil {
			_ = w.Abort()
			return fmt.Errorf("keyspace: read memtable: %w", err)
		}
		if !ok {
			break
		}
		e := keys.Entry{Key: it.Key(), Value: it.Value(), Tombstone: it.IsTombstone()}
		if err := w.Add(e); err != nil {
			_ = w.Abort()
			return fmt.Errorf("keyspace: write flush block: %w", err)
		}
	}

	sst, err := w.Finalize()
	if err != nil {
		return fmt.Errorf("keyspace: finalize flush: %w", err)
	}

	k.registry.AppendL0(sst)
	if err := mt.TransitionState(memtable.Flushed); err != nil {
		return err
	}
	if err := k.man.MarkCompleted(opID); err != nil {
		return err
	}

	k.metrics.RecordFlush(time.Since(start))
	k.reportSSTableCounts()
	return nil
}

func (k *Keyspace) sstDir() string {
	return filepath.Join(k.dir)
}

// reportSSTableCounts refreshes the SSTable count gauge after any
// registry mutation (flush or compaction). The simple-leveled strategy
// exposes per-level counts since LevelTables can see each level
// individually; the tiered strategy only exposes a registry-wide total,
// since tiers have no equivalent per-tier accessor.
func (k *Keyspace) reportSSTableCounts() {
	if k.metrics == nil {
		return
	}
	if k.cfg.CompactionStrategy == sstable.Tiered {
		k.metrics.SetSSTableCount(k.keyspaceName, "all", len(k.registry.AllTables()))
		return
	}
	for i := 0; i < k.registry.NumLevels(); i++ {
		k.metrics.SetSSTableCount(k.keyspaceName, "L"+strconv.Itoa(i), len(k.registry.LevelTables(i)))
	}
}

// GetWithTransaction returns the value visible to t for userKey, or
// ok=false if the key is absent or its visible version is a tombstone.
func (k *Keyspace) GetWithTransaction(t *txn.Transaction, userKey []byte) ([]byte, bool, error) {
	se, err := k.ScanAllWithTransaction(t, iterator.WithSeek(userKey, true))
	if err != nil {
		return nil, false, err
	}
	defer se.Close()

	ok, err := se.Next()
	if err != nil {
		return nil, false, err
	}
	if !ok || !bytes.Equal(se.Key().UserKey, userKey) {
		return nil, false, nil
	}
	return se.Value(), true, nil
}

// ScanAllWithTransaction builds the full merge iterator over every
// memtable (newest first) fused with the SSTable registry, applying
// t's MVCC visibility and the configured value merger, per §4.7.
func (k *Keyspace) ScanAllWithTransaction(t *txn.Transaction, opts ...iterator.Option) (*iterator.StorageEngine, error) {
	memTier, err := k.memtableIter()
	if err != nil {
		return nil, err
	}
	sstTier, err := k.registry.Iter()
	if err != nil {
		return nil, err
	}
	combined, err := iterator.NewTwoWay(memTier, sstTier)
	if err != nil {
		return nil, err
	}

	isVisible := func(writerID keys.TxnID) bool {
		return k.txnMgr.Visible(writerID, t)
	}

	allOpts := make([]iterator.Option, 0, len(opts)+1)
	if k.cfg.Merger != nil {
		allOpts = append(allOpts, iterator.WithMerge(k.cfg.Merger))
	}
	allOpts = append(allOpts, opts...)

	return iterator.NewStorageEngine(combined, isVisible, allOpts...)
}

// memtableIter k-way merges the Active memtable (highest priority)
// with every Inactive memtable, newest rotated first.
func (k *Keyspace) memtableIter() (*iterator.KWay, error) {
	k.rotateMu.Lock()
	active := k.active.Load()
	snapshot := make([]*memtable.Memtable, len(k.inactive))
	copy(snapshot, k.inactive)
	k.rotateMu.Unlock()

	children := make([]iterator.Iterator, 0, len(snapshot)+1)
	children = append(children, active.Iter())
	for i := len(snapshot) - 1; i >= 0; i-- {
		children = append(children, snapshot[i].Iter())
	}
	return iterator.NewKWay(children)
}
