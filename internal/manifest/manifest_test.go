package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func openForAppendRaw(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
}

func TestAppendOperationAndMarkCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	opID, err := m.AppendOperation(OpMemtableFlush, MemtableFlushPayload{SSTableID: 7, MemtableID: 3})
	if err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}
	if err := m.MarkCompleted(opID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, maxOpID, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if maxOpID != opID {
		t.Fatalf("expected maxOpID %d, got %d", opID, maxOpID)
	}

	pending := PendingOperations(records)
	if len(pending) != 0 {
		t.Fatalf("expected no pending operations, got %d", len(pending))
	}
}

func TestPendingOperationsExcludesOnlyCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	completedID, err := m.AppendOperation(OpMemtableFlush, MemtableFlushPayload{SSTableID: 1})
	if err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}
	incompleteID, err := m.AppendOperation(OpCompactionTask, CompactionTaskPayload{InputIDs: []uint64{1, 2}})
	if err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}
	if err := m.MarkCompleted(completedID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, _, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	pending := PendingOperations(records)
	if len(pending) != 1 || pending[0].OpID != incompleteID {
		t.Fatalf("expected only %d pending, got %+v", incompleteID, pending)
	}
}

func TestReplayToleratesTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.AppendOperation(OpMemtableFlush, MemtableFlushPayload{SSTableID: 1}); err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write of a second record.
	f, err := openForAppendRaw(path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.Write([]byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	records, _, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the truncated record to be ignored, got %d records", len(records))
	}
}
