package iterator

import (
	"bytes"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// TwoWay merges two child iterators, A and B, preferring A whenever
// both have an entry for the same user_key. Used to fuse the memtable
// tier (A, newer) with the SSTable tier (B, older): every version B
// holds for a user_key that A also covers is considered stale and
// skipped outright, rather than interleaved by txn_id.
//
// Grounded on original_source/storage/src/utils/two_merge_iterators.rs,
// adapted from Rust's pull-then-peek style into Go's Next-then-Key
// contract.
type TwoWay struct {
	a, b           Iterator
	aValid, bValid bool

	curKey   keys.VersionedKey
	curValue []byte
	curTomb  bool
}

// NewTwoWay primes both children and returns the merged view.
func NewTwoWay(a, b Iterator) (*TwoWay, error) {
	t := &TwoWay{a: a, b: b}
	var err error
	if t.aValid, err = a.Next(); err != nil {
		return nil, err
	}
	if t.bValid, err = b.Next(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TwoWay) emitFrom(it Iterator) {
	t.curKey = it.Key()
	t.curValue = it.Value()
	t.curTomb = it.IsTombstone()
}

// Next advances the merge by one entry.
func (t *TwoWay) Next() (bool, error) {
	if !t.aValid && !t.bValid {
		return false, nil
	}
	if !t.aValid {
		t.emitFrom(t.b)
		return t.advanceB()
	}
	if !t.bValid {
		t.emitFrom(t.a)
		return t.advanceA()
	}

	cmp := bytes.Compare(t.a.Key().UserKey, t.b.Key().UserKey)
	switch {
	case cmp < 0:
		t.emitFrom(t.a)
		return t.advanceA()
	case cmp > 0:
		t.emitFrom(t.b)
		return t.advanceB()
	default:
		userKey := append([]byte(nil), t.a.Key().UserKey...)
		t.emitFrom(t.a)
		if _, err := t.advanceA(); err != nil {
			return false, err
		}

		// A has exhausted its versions of userKey; any remaining
		// versions B holds for the same user_key are stale duplicates
		// and must never be yielded.
		if !t.aValid || !bytes.Equal(t.a.Key().UserKey, userKey) {
			for t.bValid && bytes.Equal(t.b.Key().UserKey, userKey) {
				if _, err := t.advanceB(); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	}
}

func (t *TwoWay) advanceA() (bool, error) {
	ok, err := t.a.Next()
	if err != nil {
		return false, err
	}
	t.aValid = ok
	return true, nil
}

func (t *TwoWay) advanceB() (bool, error) {
	ok, err := t.b.Next()
	if err != nil {
		return false, err
	}
	t.bValid = ok
	return true, nil
}

// HasNext reports whether either child still has an entry.
func (t *TwoWay) HasNext() bool {
	return t.aValid || t.bValid
}

// Key returns the most recently yielded versioned key.
func (t *TwoWay) Key() keys.VersionedKey { return t.curKey }

// Value returns the most recently yielded entry's value.
func (t *TwoWay) Value() []byte { return t.curValue }

// IsTombstone reports whether the most recently yielded entry is a
// deletion marker.
func (t *TwoWay) IsTombstone() bool { return t.curTomb }

// Close closes both children.
func (t *TwoWay) Close() error {
	errA := t.a.Close()
	errB := t.b.Close()
	if errA != nil {
		return errA
	}
	return errB
}
