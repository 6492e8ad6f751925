package keyspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mnohosten/laura-engine/internal/engineid"
	"github.com/mnohosten/laura-engine/internal/keys"
	"github.com/mnohosten/laura-engine/internal/manifest"
	"github.com/mnohosten/laura-engine/internal/sstable"
	"github.com/mnohosten/laura-engine/internal/telemetry"
	"github.com/mnohosten/laura-engine/internal/txn"
)

// creationLogName is the engine-wide record of every keyspace that has
// ever been created, kept separate from each keyspace's own manifest
// since it outlives any single keyspace's lifecycle.
const creationLogName = "keyspaces.manifest"

// Manager owns every keyspace under one engine instance: directory
// layout beneath base_path, keyspace id allocation, and the §4.9
// crash-recovery sequence run once at startup before any keyspace
// starts accepting writes or spawns its compaction worker.
//
// Grounded on the teacher's single `LSMTree`-per-process model,
// expanded into the spec's multi-keyspace registry: the teacher never
// needed this layer since it only ever owned one store and had no
// structural recovery story at all.
type Manager struct {
	mu       sync.RWMutex
	basePath string
	cfg      Config
	txnMgr   *txn.Manager
	metrics  *telemetry.Registry

	idAlloc *engineid.Allocator
	cache   *sstable.BlockCache

	creationLog *manifest.Manifest
	spaces      map[uint32]*Keyspace
}

// NewManager opens (creating if necessary) the engine's keyspace
// registry rooted at basePath, with no keyspaces yet recovered; call
// Recover to populate it from whatever a prior instance left on disk,
// or Create to start a brand new one. metrics may be nil, in which case
// every keyspace this manager owns runs with no telemetry.
func NewManager(basePath string, cfg Config, txnMgr *txn.Manager, metrics *telemetry.Registry) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("keyspace: create base path: %w", err)
	}
	log, err := openCreationLog(basePath)
	if err != nil {
		return nil, err
	}

	return &Manager{
		basePath:    basePath,
		cfg:         cfg,
		txnMgr:      txnMgr,
		metrics:     metrics,
		idAlloc:     engineid.NewAllocator(1),
		cache:       sstable.NewBlockCache(cfg.NCachedBlocksPerSSTable),
		creationLog: log,
		spaces:      make(map[uint32]*Keyspace),
	}, nil
}

func openCreationLog(basePath string) (*manifest.Manifest, error) {
	path := filepath.Join(basePath, creationLogName)
	_, maxOpID, err := manifest.Replay(path)
	if err != nil {
		return nil, fmt.Errorf("keyspace: replay creation log: %w", err)
	}
	log, err := manifest.Open(path, maxOpID+1)
	if err != nil {
		return nil, fmt.Errorf("keyspace: open creation log: %w", err)
	}
	return log, nil
}

// Create allocates a fresh keyspace id, lays out its on-disk directory
// and manifest, logs the creation, and starts its compaction worker.
func (mgr *Manager) Create() (*Keyspace, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	id := uint32(mgr.idAlloc.Next())
	dir := mgr.keyspaceDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keyspace: create dir: %w", err)
	}

	opID, err := mgr.creationLog.AppendOperation(manifest.OpKeyspaceCreate, manifest.KeyspaceCreatePayload{KeyspaceID: id})
	if err != nil {
		return nil, fmt.Errorf("keyspace: log creation: %w", err)
	}

	man, err := manifest.Open(filepath.Join(dir, "manifest.log"), 1)
	if err != nil {
		return nil, fmt.Errorf("keyspace: open manifest: %w", err)
	}

	reg := sstable.NewRegistry(mgr.cfg.CompactionStrategy)
	k, err := Open(id, dir, mgr.cfg, mgr.txnMgr, engineid.NewAllocator(1), engineid.NewAllocator(1), reg, man, mgr.metrics, sstable.NewBlockCache(mgr.cfg.NCachedBlocksPerSSTable))
	if err != nil {
		return nil, err
	}
	if err := mgr.creationLog.MarkCompleted(opID); err != nil {
		return nil, err
	}

	k.StartCompaction()
	mgr.spaces[id] = k
	return k, nil
}

// Get returns the keyspace with the given id, or ok=false if none
// exists.
func (mgr *Manager) Get(id uint32) (*Keyspace, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	k, ok := mgr.spaces[id]
	return k, ok
}

// Close stops every keyspace's compaction worker and releases its
// manifest handle, then releases the creation log.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, k := range mgr.spaces {
		k.StopCompaction()
		_ = k.man.Close()
	}
	return mgr.creationLog.Close()
}

func (mgr *Manager) keyspaceDir(id uint32) string {
	return filepath.Join(mgr.basePath, strconv.FormatUint(uint64(id), 10))
}

// Recover implements §4.9: discover every keyspace directory left by a
// prior engine instance, resolve each one's incomplete manifest
// operations, reconstruct its SSTables registry from completed
// operations, and start each keyspace's compaction worker only once its
// state is consistent. activeTxns is the active-transaction set a prior
// txn.ReplayLog call against the engine's transaction log reported;
// Recover consumes it, resolving every member either because a
// recovered keyspace still holds its physical writes or, for whatever
// remains once every keyspace has been examined, because it has none.
func (mgr *Manager) Recover(activeTxns map[keys.TxnID]struct{}) error {
	entries, err := os.ReadDir(mgr.basePath)
	if err != nil {
		return fmt.Errorf("keyspace: list base path: %w", err)
	}

	var maxKeyspaceID uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue // not a keyspace directory
		}
		if id64 > maxKeyspaceID {
			maxKeyspaceID = id64
		}

		k, foundWrites, err := mgr.recoverKeyspace(uint32(id64), activeTxns)
		if err != nil {
			return fmt.Errorf("keyspace: recover %d: %w", id64, err)
		}
		for id := range foundWrites {
			if err := mgr.txnMgr.ResolveRecoveredTransaction(id); err != nil {
				return fmt.Errorf("keyspace: resolve recovered transaction %d: %w", id, err)
			}
			delete(activeTxns, id)
		}

		k.StartCompaction()
		mgr.mu.Lock()
		mgr.spaces[uint32(id64)] = k
		mgr.mu.Unlock()
	}
	mgr.idAlloc.Observe(maxKeyspaceID)

	// Every txn_id still in activeTxns has no physical writes in any
	// recovered keyspace: force-abort it silently.
	for id := range activeTxns {
		if err := mgr.txnMgr.ResolveRecoveredTransaction(id); err != nil {
			return fmt.Errorf("keyspace: resolve abandoned transaction %d: %w", id, err)
		}
	}
	return nil
}

// recoverKeyspace runs §4.9 steps 2-4 for one keyspace directory and
// returns the reopened Keyspace plus the subset of activeTxns found to
// have physical writes surviving in it.
func (mgr *Manager) recoverKeyspace(id uint32, activeTxns map[keys.TxnID]struct{}) (*Keyspace, map[keys.TxnID]struct{}, error) {
	dir := mgr.keyspaceDir(id)
	manifestPath := filepath.Join(dir, "manifest.log")

	records, maxOpID, err := manifest.Replay(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("replay manifest: %w", err)
	}
	opsByID := make(map[uint64]manifest.Record, len(records))
	for _, r := range records {
		if r.IsOperation() {
			opsByID[r.OpID] = r
		}
	}

	for _, op := range manifest.PendingOperations(records) {
		switch op.Kind {
		case manifest.OpMemtableFlush:
			var p manifest.MemtableFlushPayload
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return nil, nil, fmt.Errorf("decode pending flush: %w", err)
			}
			_ = os.Remove(filepath.Join(dir, sstable.FileName(p.SSTableID)))
		case manifest.OpCompactionTask:
			// Inputs are left untouched: nothing here removes them.
			// Outputs may already sit under final `sst-<id>` names, since
			// Finalize renames each one before the completion record is
			// written; they are deleted below, once the registry has been
			// rebuilt, as tables no completed operation references.
		}
	}
	tmpFiles, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	for _, f := range tmpFiles {
		_ = os.Remove(f)
	}

	reg := sstable.NewRegistry(mgr.cfg.CompactionStrategy)
	cache := sstable.NewBlockCache(mgr.cfg.NCachedBlocksPerSSTable)
	memtableAlloc := engineid.NewAllocator(1)
	sstAlloc := engineid.NewAllocator(1)
	foundWrites := make(map[keys.TxnID]struct{})

	for _, r := range records {
		if r.IsOperation() {
			continue
		}
		op, ok := opsByID[r.OpID]
		if !ok {
			continue
		}
		switch op.Kind {
		case manifest.OpMemtableFlush:
			var p manifest.MemtableFlushPayload
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return nil, nil, fmt.Errorf("decode completed flush: %w", err)
			}
			sst, err := sstable.Open(p.SSTableID, filepath.Join(dir, sstable.FileName(p.SSTableID)), cache)
			if err != nil {
				return nil, nil, fmt.Errorf("open flushed sstable %d: %w", p.SSTableID, err)
			}
			reg.AppendL0(sst)
			sstAlloc.Observe(p.SSTableID)
			memtableAlloc.Observe(p.MemtableID)
			if err := recordWrittenTxnIDs(sst, activeTxns, foundWrites); err != nil {
				return nil, nil, err
			}
		case manifest.OpCompactionTask:
			var in manifest.CompactionTaskPayload
			if err := json.Unmarshal(op.Payload, &in); err != nil {
				return nil, nil, fmt.Errorf("decode completed compaction task: %w", err)
			}
			var out manifest.CompactionTaskPayload
			if len(r.Payload) > 0 {
				if err := json.Unmarshal(r.Payload, &out); err != nil {
					return nil, nil, fmt.Errorf("decode completed compaction outputs: %w", err)
				}
			}
			outputs := make([]*sstable.SSTable, 0, len(out.OutputIDs))
			for _, oid := range out.OutputIDs {
				sst, err := sstable.Open(oid, filepath.Join(dir, sstable.FileName(oid)), cache)
				if err != nil {
					return nil, nil, fmt.Errorf("open compaction output %d: %w", oid, err)
				}
				outputs = append(outputs, sst)
				sstAlloc.Observe(oid)
				if err := recordWrittenTxnIDs(sst, activeTxns, foundWrites); err != nil {
					return nil, nil, err
				}
			}
			reg.ApplyCompaction(sstable.CompactionTask{
				InputIDs:    in.InputIDs,
				SourceLevel: in.SourceLevel,
				TargetLevel: in.TargetLevel,
			}, outputs)
		}
	}

	// Delete every final-named table the rebuilt registry does not hold:
	// the outputs of compactions that never completed.
	live := make(map[string]bool)
	for _, sst := range reg.AllTables() {
		live[sst.Path()] = true
	}
	sstFiles, _ := filepath.Glob(filepath.Join(dir, "sst-*"))
	for _, f := range sstFiles {
		if !live[f] {
			_ = os.Remove(f)
		}
	}

	man, err := manifest.Open(manifestPath, maxOpID+1)
	if err != nil {
		return nil, nil, fmt.Errorf("reopen manifest: %w", err)
	}

	k, err := Open(id, dir, mgr.cfg, mgr.txnMgr, memtableAlloc, sstAlloc, reg, man, mgr.metrics, cache)
	if err != nil {
		return nil, nil, err
	}
	return k, foundWrites, nil
}

// recordWrittenTxnIDs scans sst's entries for any writer txn_id present
// in activeTxns, recording it in found: a recovered transaction with at
// least one physical write surviving on disk per §4.9 step 5.
func recordWrittenTxnIDs(sst *sstable.SSTable, activeTxns, found map[keys.TxnID]struct{}) error {
	it, err := sst.Iter()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		id := it.Key().TxnID
		if _, active := activeTxns[id]; active {
			found[id] = struct{}{}
		}
	}
	return nil
}
