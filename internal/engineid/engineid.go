// Package engineid provides the monotonic id allocator type and the
// opaque per-instance id logged at startup. It keeps no package-level
// allocator: every spec-mandated id (sstable_id, memtable_id, txn_id,
// manifest operation_id) is a per-keyspace or per-manager atomic
// counter, allocated with its own instance of the Allocator type below.
package engineid

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Allocator is a monotonic, concurrency-safe counter. It backs
// sstable_id, memtable_id and manifest operation_id sequences, each
// scoped to its owning keyspace as required by the spec's "file ids are
// globally monotonic within a keyspace" invariant.
type Allocator struct {
	next uint64
}

// NewAllocator creates an allocator whose first Next() call returns start.
func NewAllocator(start uint64) *Allocator {
	a := &Allocator{}
	atomic.StoreUint64(&a.next, start)
	return a
}

// Next returns the next id and advances the counter.
func (a *Allocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1) - 1
}

// Peek returns the id that the next call to Next() will hand out, without
// consuming it.
func (a *Allocator) Peek() uint64 {
	return atomic.LoadUint64(&a.next)
}

// Observe advances the allocator so that future ids never collide with an
// id recovered from disk (manifest replay, SSTable filename scan, ...).
func (a *Allocator) Observe(id uint64) {
	for {
		cur := atomic.LoadUint64(&a.next)
		if id < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&a.next, cur, id+1) {
			return
		}
	}
}

// InstanceID is an opaque identifier generated once per engine instance,
// used only for log/metric correlation. It is never part of any
// spec-mandated monotonic sequence.
func InstanceID() string {
	return uuid.NewString()
}
