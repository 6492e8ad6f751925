package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/mnohosten/laura-engine/config"
	"github.com/mnohosten/laura-engine/internal/txn"
)

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	opts := config.Default()
	opts.BasePath = filepath.Join(t.TempDir(), "data")
	opts.EnableMetrics = true
	return opts
}

func TestOpenCreateSetGetRoundTrip(t *testing.T) {
	s, err := Open(testOptions(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ksID, err := s.CreateKeyspace()
	if err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}

	if err := s.Set(ksID, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ksID, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, ok, err := s.Get(ksID, []byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("expected a=1, got (%q, %v)", value, ok)
	}

	se, err := s.ScanAll(ksID)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
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
	want := []string{"a=1", "b=2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestGetUnknownKeyspaceReportsIndexNotFound(t *testing.T) {
	s, err := Open(testOptions(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, _, err = s.Get(999, []byte("a"))
	if err == nil {
		t.Fatal("expected an error for an unknown keyspace")
	}
	if got := KindOf(err); got != KindIndexNotFound {
		t.Fatalf("expected KindIndexNotFound, got %v", got)
	}
}

func TestSetWithTransactionRejectsRolledBackTransaction(t *testing.T) {
	s, err := Open(testOptions(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ksID, err := s.CreateKeyspace()
	if err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}

	tx, err := s.StartTransaction(txn.SnapshotIsolation)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := s.RollbackTransaction(tx); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	err = s.SetWithTransaction(ksID, tx, []byte("a"), []byte("1"))
	if err == nil {
		t.Fatal("expected an error writing under a rolled-back transaction")
	}
	if got := KindOf(err); got != KindTxnAborted {
		t.Fatalf("expected KindTxnAborted, got %v", got)
	}
}

func TestSnapshotIsolationAcrossRestart(t *testing.T) {
	opts := testOptions(t)

	s, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ksID, err := s.CreateKeyspace()
	if err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}

	tx1, _ := s.StartTransaction(txn.SnapshotIsolation)
	if err := s.SetWithTransaction(ksID, tx1, []byte("k"), []byte("1")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}
	if err := s.CommitTransaction(tx1); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	tx2, _ := s.StartTransaction(txn.SnapshotIsolation)

	tx3, _ := s.StartTransaction(txn.SnapshotIsolation)
	if err := s.SetWithTransaction(ksID, tx3, []byte("k"), []byte("2")); err != nil {
		t.Fatalf("SetWithTransaction: %v", err)
	}
	if err := s.CommitTransaction(tx3); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	value, ok, err := s.GetWithTransaction(ksID, tx2, []byte("k"))
	if err != nil {
		t.Fatalf("GetWithTransaction: %v", err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("expected tx2 to still see k=1, got (%q, %v)", value, ok)
	}
	if err := s.CommitTransaction(tx2); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	value, ok, err = reopened.Get(ksID, []byte("k"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !ok || string(value) != "2" {
		t.Fatalf("expected committed k=2 to survive restart, got (%q, %v)", value, ok)
	}
}

func TestWriteBatchAppliesUnderOneTransaction(t *testing.T) {
	s, err := Open(testOptions(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ksID, err := s.CreateKeyspace()
	if err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}

	err = s.WriteBatch(ksID, []BatchEntry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	if err := s.WriteBatch(ksID, []BatchEntry{{Key: []byte("a"), Tombstone: true}}); err != nil {
		t.Fatalf("WriteBatch delete: %v", err)
	}

	_, ok, err := s.Get(ksID, []byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected a tombstoned key to read as absent")
	}

	value, ok, err := s.Get(ksID, []byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "2" {
		t.Fatalf("expected b=2 to survive the batch, got (%q, %v)", value, ok)
	}
}

func TestVerifyKeyspaceReturnsADigestPerSSTable(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableMaxSizeBytes = 1 // force every write to flush its own SSTable
	opts.MaxMemtablesInactive = 0

	s, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ksID, err := s.CreateKeyspace()
	if err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}
	if err := s.Set(ksID, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ksID, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	digests, err := s.VerifyKeyspace(ksID)
	if err != nil {
		t.Fatalf("VerifyKeyspace: %v", err)
	}
	if len(digests) == 0 {
		t.Fatal("expected at least one SSTable digest after forced flushes")
	}
	for id, digest := range digests {
		if digest == "" {
			t.Fatalf("expected a non-empty digest for sstable %d", id)
		}
	}
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableMaxSizeBytes = 0

	_, err := Open(opts, nil)
	if err == nil {
		t.Fatal("expected Open to reject invalid options")
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected a *storage.Error, got %T", err)
	}
}
