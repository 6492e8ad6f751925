package iterator

import (
	"testing"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// sumMerge operates on two-byte values [opcode, operand]: opcode 0 is
// ADD (sum operand into the accumulator's operand byte), opcode 1 is
// the DISCARD sentinel.
func sumMerge(prev, next []byte) ([]byte, bool) {
	if next[0] == 1 {
		return nil, true
	}
	return []byte{0, prev[1] + next[1]}, false
}

func TestStorageEngineMergeFoldScenarioFour(t *testing.T) {
	// +1, +1, DISCARD, +2 committed in increasing txn_id order; fold
	// oldest-to-newest should yield 2.
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("k"), 4, []byte{0, 2}),
		keys.NewValue([]byte("k"), 3, []byte{1, 0}),
		keys.NewValue([]byte("k"), 2, []byte{0, 1}),
		keys.NewValue([]byte("k"), 1, []byte{0, 1}),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true }, WithMerge(sumMerge))
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if se.Value()[1] != 2 {
		t.Fatalf("expected folded value 2, got %v", se.Value())
	}
}

func TestStorageEngineCollapsesToNewestVisible(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("a"), 3, []byte("newest")),
		keys.NewValue([]byte("a"), 2, []byte("middle")),
		keys.NewValue([]byte("a"), 1, []byte("oldest")),
		keys.NewValue([]byte("b"), 1, []byte("only")),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true })
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "a" || string(se.Value()) != "newest" {
		t.Fatalf("expected a=newest, got key=%s value=%s", se.Key().UserKey, se.Value())
	}

	ok, err = se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "b" {
		t.Fatalf("expected b next, got %s", se.Key().UserKey)
	}

	ok, err = se.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected iterator to be exhausted")
	}
}

func TestStorageEngineSkipsInvisibleUntilVisibleVersion(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("a"), 5, []byte("uncommitted")),
		keys.NewValue([]byte("a"), 1, []byte("committed")),
	})

	isVisible := func(id keys.TxnID) bool { return id <= 2 }
	se, err := NewStorageEngine(inner, isVisible)
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Value()) != "committed" {
		t.Fatalf("expected committed version, got %q", se.Value())
	}
}

func TestStorageEngineSkipsTombstonedKey(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewTombstone([]byte("a"), 2),
		keys.NewValue([]byte("b"), 1, []byte("2")),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true })
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "b" {
		t.Fatalf("expected tombstoned key a to be skipped, got %s", se.Key().UserKey)
	}
}

func TestStorageEngineSeek(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("a"), 1, []byte("1")),
		keys.NewValue([]byte("b"), 1, []byte("2")),
		keys.NewValue([]byte("c"), 1, []byte("3")),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true }, WithSeek([]byte("b"), true))
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "b" {
		t.Fatalf("expected seek to skip to b, got %s", se.Key().UserKey)
	}
}

func TestHasNextReflectsActualUpcomingResult(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("a"), 1, []byte("1")),
		keys.NewValue([]byte("b"), 1, []byte("2")),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true })
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	if !se.HasNext() {
		t.Fatalf("expected HasNext true before consuming a")
	}
	if !se.HasNext() {
		t.Fatalf("expected a repeated HasNext call to still report true")
	}
	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "a" {
		t.Fatalf("expected a, got %s", se.Key().UserKey)
	}

	if !se.HasNext() {
		t.Fatalf("expected HasNext true before consuming b")
	}
	ok, err = se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "b" {
		t.Fatalf("expected b, got %s", se.Key().UserKey)
	}

	if se.HasNext() {
		t.Fatalf("expected HasNext false once exhausted")
	}
	ok, err = se.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected Next to return false once exhausted")
	}
}

// TestHasNextReportsFalseWhenTrailingGroupIsFilteredOut covers the case
// where raw inner entries remain but every one of them is filtered out
// by tombstone/visibility/seek logic: HasNext must not simply reflect
// "inner has more raw entries" (which would wrongly say true here).
func TestHasNextReportsFalseWhenTrailingGroupIsFilteredOut(t *testing.T) {
	inner := newSliceIter([]keys.Entry{
		keys.NewValue([]byte("a"), 1, []byte("1")),
		keys.NewTombstone([]byte("b"), 1),
	})

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true })
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	ok, err := se.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(se.Key().UserKey) != "a" {
		t.Fatalf("expected a, got %s", se.Key().UserKey)
	}

	if se.HasNext() {
		t.Fatalf("expected HasNext false: remaining entry b is a tombstone, not a real next group")
	}
	ok, err = se.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected Next to agree with HasNext and return false")
	}
}

type fakeCommitter struct {
	committed bool
}

func (f *fakeCommitter) Commit() error {
	f.committed = true
	return nil
}

func TestStorageEngineCommitsStandaloneTransactionOnClose(t *testing.T) {
	inner := newSliceIter([]keys.Entry{keys.NewValue([]byte("a"), 1, []byte("1"))})
	committer := &fakeCommitter{}

	se, err := NewStorageEngine(inner, func(keys.TxnID) bool { return true }, WithCommitter(committer))
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}

	if err := se.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !committer.committed {
		t.Fatalf("expected standalone transaction to be committed on close")
	}
}
