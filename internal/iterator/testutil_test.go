package iterator

import "github.com/mnohosten/laura-engine/internal/keys"

// sliceIter is a minimal Iterator over a fixed, pre-sorted slice of
// entries, used to drive the merge iterators in tests without needing
// a real memtable or SSTable.
type sliceIter struct {
	entries []keys.Entry
	pos     int
	closed  bool
}

func newSliceIter(entries []keys.Entry) *sliceIter {
	return &sliceIter{entries: entries, pos: -1}
}

func (s *sliceIter) Next() (bool, error) {
	s.pos++
	return s.pos < len(s.entries), nil
}

func (s *sliceIter) HasNext() bool {
	return s.pos+1 < len(s.entries)
}

func (s *sliceIter) Key() keys.VersionedKey { return s.entries[s.pos].Key }
func (s *sliceIter) Value() []byte          { return s.entries[s.pos].Value }
func (s *sliceIter) IsTombstone() bool      { return s.entries[s.pos].Tombstone }
func (s *sliceIter) Close() error           { s.closed = true; return nil }
