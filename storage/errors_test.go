package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedStorageError(t *testing.T) {
	base := newError(KindCorruption, "scan_all", errors.New("checksum mismatch"))
	wrapped := fmt.Errorf("keyspace 3: %w", base)

	if got := KindOf(wrapped); got != KindCorruption {
		t.Fatalf("expected KindCorruption, got %v", got)
	}
}

func TestKindOfDefaultsToIOForUnclassifiedErrors(t *testing.T) {
	if got := KindOf(errors.New("some filesystem error")); got != KindIO {
		t.Fatalf("expected KindIO for an unclassified error, got %v", got)
	}
}

func TestErrorMessageIncludesOpKindAndCause(t *testing.T) {
	err := newError(KindTxnAborted, "commit_transaction", errors.New("already rolled back"))
	want := "storage: commit_transaction: txn_aborted: already rolled back"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
