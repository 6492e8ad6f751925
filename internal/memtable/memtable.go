package memtable

import (
	"errors"
	"sync/atomic"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// State is a memtable's position in its one-way lifecycle.
type State int32

const (
	// Active memtables accept writes.
	Active State = iota
	// Inactive memtables are read-only, awaiting flush.
	Inactive
	// Flushing memtables are in the process of being written to an
	// SSTable.
	Flushing
	// Flushed memtables have been durably persisted and may be
	// discarded from memory.
	Flushed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Flushing:
		return "flushing"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// ErrIllegalMemtableState is returned when a write is attempted against
// a memtable that is not Active, or when TransitionState is asked to
// move backwards or skip a step.
var ErrIllegalMemtableState = errors.New("memtable: illegal state transition or write")

// Memtable is the in-memory, concurrently writable ordered tier that
// every write passes through before it is flushed to an SSTable.
//
// Grounded on the teacher's pkg/lsm/memtable.go MemTable, generalized
// from a single-version overwrite-on-write map to a multi-version one
// (distinct nodes per txn_id) and from a boolean IsFull to the explicit
// four-state lifecycle the spec requires.
type Memtable struct {
	ID      uint64
	list    *skipList
	state   int32
	size    int64
	maxSize int64
}

// New creates an Active memtable with the given monotonic id and byte
// budget.
func New(id uint64, maxSizeBytes int64) *Memtable {
	return &Memtable{
		ID:      id,
		list:    newSkipList(),
		state:   int32(Active),
		maxSize: maxSizeBytes,
	}
}

// State returns the memtable's current lifecycle state.
func (m *Memtable) State() State {
	return State(atomic.LoadInt32(&m.state))
}

// TransitionState advances the memtable's state machine by exactly one
// step (Active->Inactive->Flushing->Flushed). Attempting to skip a step
// or move backwards returns ErrIllegalMemtableState.
func (m *Memtable) TransitionState(next State) error {
	cur := State(atomic.LoadInt32(&m.state))
	if next != cur+1 {
		return ErrIllegalMemtableState
	}
	if !atomic.CompareAndSwapInt32(&m.state, int32(cur), int32(next)) {
		return ErrIllegalMemtableState
	}
	return nil
}

// Set records a write of value for userKey under txn's id. Only Active
// memtables accept writes.
func (m *Memtable) Set(txnID keys.TxnID, userKey, value []byte) error {
	if m.State() != Active {
		return ErrIllegalMemtableState
	}
	entry := keys.NewValue(userKey, txnID, value)
	m.list.insert(entry)
	atomic.AddInt64(&m.size, int64(entry.ApproxSize()))
	return nil
}

// Delete records a tombstone for userKey under txn's id. Only Active
// memtables accept writes.
func (m *Memtable) Delete(txnID keys.TxnID, userKey []byte) error {
	if m.State() != Active {
		return ErrIllegalMemtableState
	}
	entry := keys.NewTombstone(userKey, txnID)
	m.list.insert(entry)
	atomic.AddInt64(&m.size, int64(entry.ApproxSize()))
	return nil
}

// VisibilityFunc decides whether a candidate entry's writer txn_id is
// visible to the reading transaction. It lets Get apply the same MVCC
// rule the transaction manager defines in §4.8 without memtable
// importing the txn package.
type VisibilityFunc func(writerTxnID keys.TxnID) bool

// Get walks the versions of userKey from newest txn_id to oldest and
// returns the first one visible under isVisible. A visible tombstone
// means the key is absent (ok=false, tombstone=true).
func (m *Memtable) Get(userKey []byte, isVisible VisibilityFunc) (value []byte, ok bool, tombstone bool) {
	node := m.list.seekUserKey(userKey)
	for node != nil && keysEqual(node.entry.Key.UserKey, userKey) {
		if isVisible(node.entry.Key.TxnID) {
			if node.entry.Tombstone {
				return nil, false, true
			}
			return node.entry.Value, true, false
		}
		node = node.next(0)
	}
	return nil, false, false
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApproxSize reports the memtable's estimated byte footprint, checked
// against memtable_max_size_bytes to decide rotation.
func (m *Memtable) ApproxSize() int64 {
	return atomic.LoadInt64(&m.size)
}

// IsFull reports whether the memtable has reached its configured byte
// budget and should be rotated out of the Active slot.
func (m *Memtable) IsFull() bool {
	return m.ApproxSize() >= m.maxSize
}

// NumEntries returns the number of entries recorded (one per write).
func (m *Memtable) NumEntries() int {
	return m.list.Size()
}

// Iter returns an iterator over every versioned entry in
// (user_key asc, txn_id desc) order, satisfying the
// internal/iterator.Iterator contract structurally.
func (m *Memtable) Iter() *Iterator {
	return &Iterator{list: m.list, started: false}
}

// SeekIter returns an iterator starting at the first entry whose
// encoded versioned key is >= the encoding of (seekKey, maxTxnID),
// used by seeked scans.
func (m *Memtable) SeekIter(seekKey []byte, maxTxnID keys.TxnID) *Iterator {
	target := keys.New(seekKey, maxTxnID).Encode()
	return &Iterator{list: m.list, started: true, current: m.list.seekFrom(target), primed: true}
}

// Iterator walks a memtable's skip list in encoded-key order.
type Iterator struct {
	list    *skipList
	started bool
	current *skipListNode
	primed  bool
}

// Next advances to the next entry.
func (it *Iterator) Next() (bool, error) {
	if !it.started {
		it.started = true
		it.current = it.list.first()
		return it.current != nil, nil
	}
	if it.primed {
		it.primed = false
		return it.current != nil, nil
	}
	if it.current == nil {
		return false, nil
	}
	it.current = it.current.next(0)
	return it.current != nil, nil
}

// HasNext reports whether Next would advance, without consuming state.
func (it *Iterator) HasNext() bool {
	if !it.started {
		return it.list.first() != nil
	}
	if it.primed {
		return it.current != nil
	}
	return it.current != nil && it.current.next(0) != nil
}

// Key returns the current entry's versioned key.
func (it *Iterator) Key() keys.VersionedKey {
	return it.current.entry.Key
}

// Value returns the current entry's value bytes.
func (it *Iterator) Value() []byte {
	return it.current.entry.Value
}

// IsTombstone reports whether the current entry is a deletion marker.
func (it *Iterator) IsTombstone() bool {
	return it.current.entry.Tombstone
}

// Close is a no-op: a memtable iterator holds no resources beyond a
// node pointer into a structure the memtable itself owns.
func (it *Iterator) Close() error { return nil }
