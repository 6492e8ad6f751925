package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a storage.Error along the lines spec.md §7 draws
// between them: whether it is the caller's problem, the engine's, or
// something a background worker can shrug off and retry.
type ErrorKind int

const (
	// KindIO covers filesystem failures: surfaced to the caller as-is.
	KindIO ErrorKind = iota
	// KindCorruption covers checksum mismatches and manifest references
	// to missing files. Fatal for the keyspace that reported it.
	KindCorruption
	// KindIllegalMemtableState marks a programmer error in memtable
	// state transitions. Fatal.
	KindIllegalMemtableState
	// KindTxnAborted marks an operation attempted against a rolled-back
	// transaction. Surfaced to the caller.
	KindTxnAborted
	// KindIndexNotFound marks a lookup against a keyspace the caller
	// named but that does not exist. Surfaced to the SQL layer.
	KindIndexNotFound
	// KindDatabaseNotFound marks a lookup against a database-level
	// handle that does not exist. Surfaced to the SQL layer.
	KindDatabaseNotFound
	// KindCompactionFailed marks a background compaction task failure.
	// Logged; the worker continues and retries on its next tick.
	KindCompactionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindIllegalMemtableState:
		return "illegal_memtable_state"
	case KindTxnAborted:
		return "txn_aborted"
	case KindIndexNotFound:
		return "index_not_found"
	case KindDatabaseNotFound:
		return "database_not_found"
	case KindCompactionFailed:
		return "compaction_failed"
	default:
		return "unknown"
	}
}

// Error is a storage-engine error tagged with the spec's §7 taxonomy so
// callers can classify failures with errors.As instead of comparing
// against a growing list of sentinels, the way the teacher's
// pkg/lsm/errors.go and pkg/mvcc/errors.go packages do for their own,
// narrower error sets.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error for op, wrapping err under kind.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports err's ErrorKind, defaulting to KindIO for any error
// that was never classified by this package (e.g. a raw filesystem
// error returned from below the keyspace layer).
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIO
}
