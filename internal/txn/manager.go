package txn

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/mnohosten/laura-engine/internal/engineid"
	"github.com/mnohosten/laura-engine/internal/keys"
)

// recordKind tags an entry in the transaction log.
type recordKind uint8

const (
	recordStart recordKind = iota
	recordCommit
	recordRollback
)

// Manager is the engine-wide (shared across keyspaces) transaction
// manager: it allocates txn_ids, tracks the active set, and persists
// start/commit/rollback events to a durable, fsynced log.
//
// Grounded on the teacher's pkg/mvcc/transaction.go TransactionManager
// and pkg/storage/wal.go's append-and-fsync discipline, generalized
// from optimistic write/read-set conflict detection to pure snapshot
// visibility as required by §4.8, and from an in-memory commit log to
// one durable log file per the spec's "durable log recording
// start/commit/rollback events with fsync on commit and rollback".
type Manager struct {
	mu         sync.Mutex
	alloc      *engineid.Allocator
	active     map[keys.TxnID]*Transaction
	rolledBack map[keys.TxnID]struct{}
	logFile    *os.File
}

// NewManager creates a transaction manager whose durable log lives at
// logPath. The first allocated txn_id is startTxnID, normally 1 on a
// fresh engine or one past the highest txn_id recovered from the
// transaction log.
func NewManager(logPath string, startTxnID uint64) (*Manager, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txn: open log: %w", err)
	}
	return &Manager{
		alloc:      engineid.NewAllocator(startTxnID),
		active:     make(map[keys.TxnID]*Transaction),
		rolledBack: make(map[keys.TxnID]struct{}),
		logFile:    f,
	}, nil
}

// Start begins a new transaction under the given isolation level,
// snapshotting the currently active txn_id set.
func (m *Manager) Start(isolation Isolation) (*Transaction, error) {
	m.mu.Lock()
	id := keys.TxnID(m.alloc.Next())
	snapshot := make(map[keys.TxnID]struct{}, len(m.active))
	for active := range m.active {
		snapshot[active] = struct{}{}
	}
	txn := newTransaction(id, isolation, snapshot)
	m.active[id] = txn
	m.mu.Unlock()

	if err := m.appendRecord(recordStart, id); err != nil {
		return nil, err
	}
	return txn, nil
}

// Commit finalizes txn, removing it from the active set and appending
// a durable commit record.
func (m *Manager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	if txn.state != StateActive {
		txn.mu.Unlock()
		return ErrTxnAborted
	}
	txn.state = StateCommitted
	txn.mu.Unlock()

	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()

	return m.appendRecord(recordCommit, txn.ID)
}

// Rollback finalizes txn as rolled back: its writes remain physically
// present but are never visible again. NWritesRolledBack is set to
// NWrites at once.
func (m *Manager) Rollback(txn *Transaction) error {
	txn.mu.Lock()
	if txn.state != StateActive {
		txn.mu.Unlock()
		return ErrTxnAborted
	}
	txn.state = StateRolledBack
	txn.nWritesRolledBack = txn.nWrites
	txn.mu.Unlock()

	m.mu.Lock()
	delete(m.active, txn.ID)
	m.rolledBack[txn.ID] = struct{}{}
	m.mu.Unlock()

	return m.appendRecord(recordRollback, txn.ID)
}

// RollbackActiveTransactionFailure force-aborts a transaction that is
// still active in this manager, identified only by id. It returns
// ErrUnknownTransaction when this manager holds no active transaction
// with that id, as after a restart; recovery uses
// ResolveRecoveredTransaction instead.
func (m *Manager) RollbackActiveTransactionFailure(id keys.TxnID) error {
	m.mu.Lock()
	txn, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}
	return m.Rollback(txn)
}

// ActiveTransactions returns the set of currently active txn_ids.
func (m *Manager) ActiveTransactions() map[keys.TxnID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[keys.TxnID]struct{}, len(m.active))
	for id := range m.active {
		out[id] = struct{}{}
	}
	return out
}

// IsRolledBack reports whether id belongs to a transaction that rolled
// back, used by the visibility rule to exclude its writes permanently.
func (m *Manager) IsRolledBack(id keys.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rolledBack[id]
	return ok
}

// OldestActive returns the smallest currently active txn_id, or
// ^TxnID(0) if no transaction is active, the boundary bottom-level
// compaction uses to decide which superseded versions and tombstones
// no remaining snapshot could still need.
func (m *Manager) OldestActive() keys.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := ^keys.TxnID(0)
	for id := range m.active {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// Visible implements the §4.8 visibility rule for a candidate entry
// written by writerID, as observed by t.
func (m *Manager) Visible(writerID keys.TxnID, t *Transaction) bool {
	if m.IsRolledBack(writerID) {
		return writerID == t.ID
	}

	switch t.Isolation {
	case ReadUncommitted:
		return true
	case SnapshotIsolation:
		if writerID == t.ID {
			return true
		}
		if writerID > t.ID {
			return false
		}
		return !t.inSnapshot(writerID)
	default:
		return false
	}
}

// ResolveRecoveredTransaction closes out a txn_id that ReplayLog reported
// as left active by a prior crash: no in-memory Transaction survives a
// restart, so this appends the rollback record directly rather than
// going through Rollback's state-machine checks. Used uniformly for both
// recovery outcomes in §4.9 step 5 (a transaction with surviving
// physical writes, and one force-aborted with none): either way its
// txn_id must never become visible again, and the log entry must be
// closed so a later replay does not report it active forever.
func (m *Manager) ResolveRecoveredTransaction(id keys.TxnID) error {
	m.mu.Lock()
	m.rolledBack[id] = struct{}{}
	m.mu.Unlock()
	return m.appendRecord(recordRollback, id)
}

// appendRecord writes one fixed-size record (kind, txn_id) to the log;
// commit and rollback records are fsynced before it returns, start
// records are not.
func (m *Manager) appendRecord(kind recordKind, id keys.TxnID) error {
	buf := make([]byte, 9)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint64(buf[1:], uint64(id))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.logFile.Write(buf); err != nil {
		return fmt.Errorf("txn: append log record: %w", err)
	}
	if kind == recordCommit || kind == recordRollback {
		if err := m.logFile.Sync(); err != nil {
			return fmt.Errorf("txn: fsync log: %w", err)
		}
	}
	return nil
}

// Close releases the manager's log file handle.
func (m *Manager) Close() error {
	return m.logFile.Close()
}

// ReplayLog scans a transaction log from a prior engine instance and
// returns the txn_ids left active (started but neither committed nor
// rolled back) along with the highest txn_id observed, so the engine
// can resume id allocation past it. Used by recovery (§4.9 step 5).
func ReplayLog(path string) (active map[keys.TxnID]struct{}, maxTxnID uint64, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[keys.TxnID]struct{}{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("txn: open log for replay: %w", err)
	}
	defer f.Close()

	active = make(map[keys.TxnID]struct{})
	buf := make([]byte, 9)
	for {
		_, readErr := f.Read(buf)
		if readErr != nil {
			break
		}
		kind := recordKind(buf[0])
		id := keys.TxnID(binary.LittleEndian.Uint64(buf[1:]))
		if uint64(id) > maxTxnID {
			maxTxnID = uint64(id)
		}
		switch kind {
		case recordStart:
			active[id] = struct{}{}
		case recordCommit, recordRollback:
			delete(active, id)
		}
	}
	return active, maxTxnID, nil
}
