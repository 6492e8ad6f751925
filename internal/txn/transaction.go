// Package txn implements the transaction manager and MVCC visibility
// rules: transaction ids, isolation levels, the active-transaction
// snapshot set, and the durable commit/rollback log.
package txn

import (
	"sync"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// Isolation selects the visibility rule a transaction reads under.
type Isolation int

const (
	// SnapshotIsolation reads only commits completed strictly before
	// the transaction started; it never sees its own rolled-back
	// writes.
	SnapshotIsolation Isolation = iota
	// ReadUncommitted reads the newest write regardless of commit
	// status.
	ReadUncommitted
)

// State is a transaction's position in its commit/rollback lifecycle.
type State int

const (
	// StateActive transactions may still read and write.
	StateActive State = iota
	// StateCommitted transactions' writes are permanently visible.
	StateCommitted
	// StateRolledBack transactions' writes are permanently invisible.
	StateRolledBack
)

// Transaction is the single logical owner of one MVCC write scope.
//
// Grounded on the teacher's pkg/mvcc/transaction.go Transaction,
// stripped of its optimistic write/read-set conflict detection (the
// spec's isolation model is pure snapshot visibility, not
// first-committer-wins) and generalized to carry an immutable snapshot
// of the txn_ids considered active at start, per §3's Transaction
// attributes.
type Transaction struct {
	ID        keys.TxnID
	Isolation Isolation

	mu                sync.Mutex
	state             State
	snapshot          map[keys.TxnID]struct{}
	nWrites           uint64
	nWritesRolledBack uint64
}

func newTransaction(id keys.TxnID, isolation Isolation, activeAtStart map[keys.TxnID]struct{}) *Transaction {
	snap := make(map[keys.TxnID]struct{}, len(activeAtStart))
	for id := range activeAtStart {
		snap[id] = struct{}{}
	}
	return &Transaction{ID: id, Isolation: isolation, snapshot: snap, state: StateActive}
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// inSnapshot reports whether writerID was active (and thus excluded by
// snapshot isolation) at the moment t started.
func (t *Transaction) inSnapshot(writerID keys.TxnID) bool {
	_, ok := t.snapshot[writerID]
	return ok
}

// recordWrite increments the transaction's write counter, called once
// per Set/Delete issued under this transaction.
func (t *Transaction) recordWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nWrites++
}

// RecordWrite increments the transaction's write counter. Exported for
// the keyspace layer, the single caller outside this package that
// issues writes under a transaction.
func (t *Transaction) RecordWrite() {
	t.recordWrite()
}

// IsRolledBack reports whether t has finished as StateRolledBack,
// used by the keyspace write path to reject writes per §4.6 step 1.
func (t *Transaction) IsRolledBack() bool {
	return t.State() == StateRolledBack
}

// NWrites reports how many writes this transaction has issued.
func (t *Transaction) NWrites() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nWrites
}

// NWritesRolledBack reports how many of this transaction's writes have
// been accounted for by a rollback; it reaches NWrites exactly once
// rollback bookkeeping completes, asserting idempotence.
func (t *Transaction) NWritesRolledBack() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nWritesRolledBack
}
