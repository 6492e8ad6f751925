// Package iterator implements the merging core shared by every scan:
// the Iterator contract, and the K-way, two-way and storage-engine
// merge iterators built on top of it.
package iterator

import "github.com/mnohosten/laura-engine/internal/keys"

// Iterator is the capability set every cursor over versioned entries
// implements: the memtable's Iterator, the SSTable's TableIterator, and
// the merge iterators in this package all satisfy it structurally, the
// way the teacher's MemTableIterator and SSTableIndex cursors share a
// Next/Entry shape without a named interface between packages.
//
// Ordering across any Iterator is (user_key asc, txn_id desc). Next
// must be called once before the first Key/Value/IsTombstone call.
type Iterator interface {
	Next() (bool, error)
	HasNext() bool
	Key() keys.VersionedKey
	Value() []byte
	IsTombstone() bool
	Close() error
}
