package iterator

import (
	"bytes"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// VisibilityFunc decides whether a candidate entry's writer txn_id is
// visible to the reading transaction, per the transaction manager's
// isolation rules (§4.8).
type VisibilityFunc func(writerTxnID keys.TxnID) bool

// MergeFunc folds a previously accumulated value with the next entry's
// value for the same user_key, processed oldest-to-newest. Returning
// discard true means "discard the previous accumulator and restart
// from next's own value" rather than using merged at all.
type MergeFunc func(prev, next []byte) (merged []byte, discard bool)

// Committer is implemented by a standalone transaction created
// on-the-fly for a scan API call. StorageEngine calls Commit exactly
// once, on Close, when it owns the transaction's lifecycle.
type Committer interface {
	Commit() error
}

// StorageEngine wraps an inner merged iterator (typically a KWay over
// every memtable and SSTable tier iterator) and performs the two jobs
// the spec assigns to the top-level scan cursor: collapsing every
// user_key's versions down to the single one visible to a transaction,
// and optionally folding them through a user-supplied merge function
// first.
//
// Grounded on
// original_source/storage/src/utils/storage_engine_iterator.rs: the
// group-by-user_key loop and the oldest-to-newest merge fold are
// carried over verbatim in spirit; has_next is implemented here as
// "would a further Next() succeed": the first HasNext call advances the
// inner iterator past the next eligible group and caches that result,
// which the following Next then returns without touching inner again.
type StorageEngine struct {
	inner     Iterator
	isVisible VisibilityFunc
	merge     MergeFunc
	committer Committer
	seekKey   []byte
	seekIncl  bool
	hasSeek   bool

	innerValid bool

	curKey   keys.VersionedKey
	curValue []byte
	haveCur  bool

	pendingKey   keys.VersionedKey
	pendingValue []byte
	pendingTomb  bool
	havePending  bool

	nextKey   keys.VersionedKey
	nextValue []byte
	nextOK    bool
	nextErr   error
	nextReady bool

	closed bool
}

// Option configures a StorageEngine at construction time.
type Option func(*StorageEngine)

// WithMerge installs the configured storage_value_merger.
func WithMerge(fn MergeFunc) Option {
	return func(s *StorageEngine) { s.merge = fn }
}

// WithSeek causes iteration to skip every user_key less than key (or
// less-than-or-equal, when inclusive is false), implementing
// create_seeked.
func WithSeek(key []byte, inclusive bool) Option {
	return func(s *StorageEngine) {
		s.seekKey = append([]byte(nil), key...)
		s.seekIncl = inclusive
		s.hasSeek = true
	}
}

// WithCommitter registers a standalone transaction to be committed
// exactly once, when Close runs, implementing the scoped
// acquire-then-commit-on-drop contract for scans that open their own
// transaction.
func WithCommitter(c Committer) Option {
	return func(s *StorageEngine) { s.committer = c }
}

// NewStorageEngine wraps inner with visibility filtering and the
// options supplied.
func NewStorageEngine(inner Iterator, isVisible VisibilityFunc, opts ...Option) (*StorageEngine, error) {
	s := &StorageEngine{inner: inner, isVisible: isVisible}
	for _, opt := range opts {
		opt(s)
	}

	ok, err := inner.Next()
	if err != nil {
		return nil, err
	}
	s.innerValid = ok
	return s, nil
}

// Next advances to the next visible, non-deleted user_key, skipping
// over any user_key whose versions are all invisible, whose visible
// version is a tombstone, or that falls before a configured seek
// bound.
func (s *StorageEngine) Next() (bool, error) {
	if s.nextReady {
		s.nextReady = false
		err := s.nextErr
		s.nextErr = nil
		if err != nil {
			s.haveCur = false
			return false, err
		}
		if !s.nextOK {
			s.haveCur = false
			return false, nil
		}
		s.curKey = s.nextKey
		s.curValue = s.nextValue
		s.haveCur = true
		return true, nil
	}

	key, value, ok, err := s.findNext()
	if err != nil {
		s.haveCur = false
		return false, err
	}
	if !ok {
		s.haveCur = false
		return false, nil
	}
	s.curKey = key
	s.curValue = value
	s.haveCur = true
	return true, nil
}

// findNext runs the group-collection/visibility/seek filtering loop and
// returns the next eligible (key, value) pair, without touching
// curKey/curValue/haveCur, so it can serve both an actual advance
// (Next) and a pure lookahead (HasNext) the same way.
func (s *StorageEngine) findNext() (keys.VersionedKey, []byte, bool, error) {
	for {
		key, value, ok, err := s.advanceGroup()
		if err != nil {
			return keys.VersionedKey{}, nil, false, err
		}
		if !ok {
			return keys.VersionedKey{}, nil, false, nil
		}
		if s.hasSeek && !s.passesSeek(key.UserKey) {
			continue
		}
		return key, value, true, nil
	}
}

// advanceGroup consumes one run of same-user_key entries from inner
// and applies the optional merge fold and visibility selection. It
// returns ok=false once both inner and any lookahead buffer are
// exhausted.
func (s *StorageEngine) advanceGroup() (keys.VersionedKey, []byte, bool, error) {
	for {
		group, ok, err := s.collectGroup()
		if err != nil {
			return keys.VersionedKey{}, nil, false, err
		}
		if !ok {
			return keys.VersionedKey{}, nil, false, nil
		}

		value, tombstone, selected := s.resolveGroup(group)
		if !selected || tombstone {
			continue
		}
		key := keys.VersionedKey{UserKey: append([]byte(nil), group[0].Key.UserKey...), TxnID: group[0].Key.TxnID}
		return key, value, true, nil
	}
}

// collectGroup gathers every consecutive entry sharing the next
// user_key from inner (newest-to-oldest, since that is inner's order),
// using a one-entry lookahead buffer so the group boundary can be
// detected without losing the first entry of the following group.
func (s *StorageEngine) collectGroup() ([]keys.Entry, bool, error) {
	var first keys.Entry
	if s.havePending {
		first = keys.Entry{Key: s.pendingKey, Value: s.pendingValue, Tombstone: s.pendingTomb}
		s.havePending = false
	} else {
		if !s.innerValid {
			return nil, false, nil
		}
		first = s.snapshotInner()
		if err := s.pullInner(); err != nil {
			return nil, false, err
		}
	}

	group := []keys.Entry{first}
	for s.innerValid {
		next := s.snapshotInner()
		if !bytes.Equal(next.Key.UserKey, first.Key.UserKey) {
			s.pendingKey = next.Key
			s.pendingValue = next.Value
			s.pendingTomb = next.Tombstone
			s.havePending = true
			if err := s.pullInner(); err != nil {
				return nil, false, err
			}
			break
		}
		group = append(group, next)
		if err := s.pullInner(); err != nil {
			return nil, false, err
		}
	}
	return group, true, nil
}

func (s *StorageEngine) snapshotInner() keys.Entry {
	return keys.Entry{Key: s.inner.Key(), Value: s.inner.Value(), Tombstone: s.inner.IsTombstone()}
}

func (s *StorageEngine) pullInner() error {
	ok, err := s.inner.Next()
	if err != nil {
		return err
	}
	s.innerValid = ok
	return nil
}

// resolveGroup resolves one user_key's versions for the reader. With no
// merge function the highest-txn_id visible entry wins and a tombstone
// means absent. With one, only the visible entries are folded,
// oldest-to-newest: the oldest seeds the accumulator, a visible
// tombstone clears it, and each later value is merged in; the result is
// a tombstone when the newest visible entry is one.
func (s *StorageEngine) resolveGroup(group []keys.Entry) (value []byte, tombstone bool, selected bool) {
	if s.merge == nil {
		for _, e := range group {
			if s.isVisible(e.Key.TxnID) {
				return e.Value, e.Tombstone, true
			}
		}
		return nil, false, false
	}

	// Fold oldest-to-newest; group is newest-to-oldest.
	var acc []byte
	accTombstone := true
	anyVisible := false
	var lastVisibleTxnID keys.TxnID

	for i := len(group) - 1; i >= 0; i-- {
		e := group[i]
		if !s.isVisible(e.Key.TxnID) {
			continue
		}
		if !anyVisible {
			acc = e.Value
			accTombstone = e.Tombstone
			anyVisible = true
			lastVisibleTxnID = e.Key.TxnID
			continue
		}
		if e.Tombstone {
			acc = nil
			accTombstone = true
			lastVisibleTxnID = e.Key.TxnID
			continue
		}
		merged, discard := s.merge(acc, e.Value)
		if discard {
			acc = e.Value
		} else {
			acc = merged
		}
		accTombstone = false
		lastVisibleTxnID = e.Key.TxnID
	}

	_ = lastVisibleTxnID
	if !anyVisible {
		return nil, false, false
	}
	return acc, accTombstone, true
}

// passesSeek reports whether userKey satisfies the configured seek
// bound.
func (s *StorageEngine) passesSeek(userKey []byte) bool {
	cmp := bytes.Compare(userKey, s.seekKey)
	if s.seekIncl {
		return cmp >= 0
	}
	return cmp > 0
}

// HasNext reports whether a further call to Next would return true,
// without moving the current entry: the first time it is asked it
// advances the inner iterator far enough to find the next eligible group
// and caches it, so repeated HasNext calls are free and a following Next
// call consumes the cached result.
func (s *StorageEngine) HasNext() bool {
	if !s.nextReady {
		key, value, ok, err := s.findNext()
		s.nextKey, s.nextValue, s.nextOK, s.nextErr = key, value, ok, err
		s.nextReady = true
	}
	return s.nextOK && s.nextErr == nil
}

// Key returns the current user_key paired with the txn_id of the newest
// version collected for it (visible or not): the storage-engine
// iterator's output is already de-duplicated per user_key, so the
// txn_id component of the returned key is informational only.
func (s *StorageEngine) Key() keys.VersionedKey { return s.curKey }

// Value returns the current entry's (possibly merged) value.
func (s *StorageEngine) Value() []byte { return s.curValue }

// IsTombstone always reports false: tombstoned groups are skipped by
// Next and never surfaced as the current entry.
func (s *StorageEngine) IsTombstone() bool { return false }

// Close releases the inner iterator and, in standalone mode, commits
// the transaction the scan created for itself. Commit runs exactly
// once even if Close is called more than once.
func (s *StorageEngine) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.inner.Close()
	if s.committer != nil {
		if commitErr := s.committer.Commit(); commitErr != nil && err == nil {
			err = commitErr
		}
	}
	return err
}
