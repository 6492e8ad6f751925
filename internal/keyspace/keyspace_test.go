package keyspace

import (
	"path/filepath"
	"testing"

	"github.com/mnohosten/laura-engine/internal/engineid"
	"github.com/mnohosten/laura-engine/internal/manifest"
	"github.com/mnohosten/laura-engine/internal/sstable"
	"github.com/mnohosten/laura-engine/internal/telemetry"
	"github.com/mnohosten/laura-engine/internal/txn"
)

func newTestKeyspace(t *testing.T, cfg Config) (*Keyspace, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()

	txnMgr, err := txn.NewManager(filepath.Join(dir, "txn.log"), 1)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = txnMgr.Close() })

	man, err := manifest.Open(filepath.Join(dir, "manifest.log"), 1)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	t.Cleanup(func() { _ = man.Close() })

	reg := sstable.NewRegistry(sstable.SimpleLeveled)
	memtableAlloc := engineid.NewAllocator(1)
	sstAlloc := engineid.NewAllocator(1)

	k, err := Open(1, dir, cfg, txnMgr, memtableAlloc, sstAlloc, reg, man, telemetry.NewRegistry(), sstable.NewBlockCache(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return k, txnMgr
}

func TestSetThenGetWithTransactionSeesOwnWrite(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())

	tx, err := txnMgr.Start(txn.SnapshotIsolation)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := k.SetWithTransaction(tx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}

	value, ok, err := k.GetWithTransaction(tx, []byte("a"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("expected (1, true), got (%q, %v)", value, ok)
	}
}

func TestGetWithTransactionMissingKey(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())
	tx, _ := txnMgr.Start(txn.SnapshotIsolation)

	_, ok, err := k.GetWithTransaction(tx, []byte("missing"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestDeleteWithTransactionHidesKey(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())

	writer, _ := txnMgr.Start(txn.SnapshotIsolation)
	if err := k.SetWithTransaction(writer, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}
	if err := k.DeleteWithTransaction(writer, []byte("a")); err != nil {
		t.Fatalf("DeleteWithTransaction: %v", err)
	}

	_, ok, err := k.GetWithTransaction(writer, []byte("a"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if ok {
		t.Fatalf("expected a tombstoned key to read as absent")
	}
}

func TestSetWithTransactionRejectsRolledBackTransaction(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())

	tx, _ := txnMgr.Start(txn.SnapshotIsolation)
	if err := txnMgr.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if err := k.SetWithTransaction(tx, []byte("a"), []byte("1")); err != txn.ErrTxnAborted {
		t.Fatalf("expected ErrTxnAborted, got %v", err)
	}
}

func TestSnapshotIsolationHidesUncommittedWrite(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())

	writer, _ := txnMgr.Start(txn.SnapshotIsolation)
	if err := k.SetWithTransaction(writer, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}

	reader, _ := txnMgr.Start(txn.SnapshotIsolation)
	_, ok, err := k.GetWithTransaction(reader, []byte("a"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if ok {
		t.Fatalf("expected reader started before writer's commit to not see the write")
	}

	if err := txnMgr.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, _ := txnMgr.Start(txn.SnapshotIsolation)
	value, ok, err := k.GetWithTransaction(after, []byte("a"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("expected a transaction started after commit to see it, got (%q, %v)", value, ok)
	}
}

func TestMaybeRotateFlushesOldestInactiveBeyondBackpressureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemtableMaxSizeBytes = 1 // rotate on every write
	cfg.MaxMemtablesInactive = 1

	k, txnMgr := newTestKeyspace(t, cfg)
	tx, _ := txnMgr.Start(txn.SnapshotIsolation)

	// Each Set fills and rotates the Active memtable. Once more than
	// MaxMemtablesInactive sit in the Inactive list, the oldest should
	// be flushed out to an L0 SSTable.
	keysToWrite := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, uk := range keysToWrite {
		if err := k.SetWithTransaction(tx, uk, []byte("v")); err != nil {
			t.Fatalf("SetWithTransaction(%s): %v", uk, err)
		}
	}

	if k.registry.L0Count() == 0 {
		t.Fatalf("expected backpressure to have flushed at least one memtable to L0")
	}

	for _, uk := range keysToWrite {
		value, ok, err := k.GetWithTransaction(tx, uk)
		if err != nil {
			t.Fatalf("GetWithTransaction(%s): %v", uk, err)
		}
		if !ok || string(value) != "v" {
			t.Fatalf("expected key %s to remain readable across rotation/flush, got (%q, %v)", uk, value, ok)
		}
	}
}

func TestScanAllWithTransactionOrdersAndDedupsKeys(t *testing.T) {
	k, txnMgr := newTestKeyspace(t, DefaultConfig())
	tx, _ := txnMgr.Start(txn.SnapshotIsolation)

	for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
		if err := k.SetWithTransaction(tx, []byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("SetWithTransaction: %v", err)
		}
	}
	// Overwrite "a" so the scan must resolve to the newest version.
	if err := k.SetWithTransaction(tx, []byte("a"), []byte("1-updated")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}

	se, err := k.ScanAllWithTransaction(tx)
	if err != nil {
		t.Fatalf("ScanAllWithTransaction: %v", err)
	}
	defer se.Close()

	var got []string
	for {
		ok, err := se.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(se.Key().UserKey)+"="+string(se.Value()))
	}

	want := []string{"a=1-updated", "b=2", "c=3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
