package iterator

import (
	"container/heap"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// kwayNode tracks one child iterator's currently primed head.
type kwayNode struct {
	it        Iterator
	priority  int
	key       keys.VersionedKey
	value     []byte
	tombstone bool
}

// kwayHeap orders nodes by versioned key, breaking ties on exactly
// equal versioned keys by provenance priority (lower priority value
// sorts first, i.e. wins).
type kwayHeap []*kwayNode

func (h kwayHeap) Len() int { return len(h) }
func (h kwayHeap) Less(i, j int) bool {
	if c := keys.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}
func (h kwayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *kwayHeap) Push(x any)   { *h = append(*h, x.(*kwayNode)) }
func (h *kwayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// KWay merges N child iterators into one, yielding the minimum
// versioned key among their heads on each call to Next.
//
// Grounded on the spec's requirement that ties resolve first by higher
// txn_id (already encoded in keys.Compare) and then by provenance
// priority (newer memtable > older memtable > newer SSTable > older
// SSTable); callers must supply children ordered from highest to
// lowest priority, since the index of each child in the constructor
// call becomes its tie-break priority.
type KWay struct {
	h        kwayHeap
	curKey   keys.VersionedKey
	curValue []byte
	curTomb  bool
	started  bool
}

// NewKWay primes every child iterator and returns a merged view over
// them. Children that are already exhausted are dropped immediately.
func NewKWay(children []Iterator) (*KWay, error) {
	kw := &KWay{}
	for i, it := range children {
		ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		kw.h = append(kw.h, &kwayNode{
			it:        it,
			priority:  i,
			key:       it.Key(),
			value:     it.Value(),
			tombstone: it.IsTombstone(),
		})
	}
	heap.Init(&kw.h)
	return kw, nil
}

// Next advances to the smallest remaining versioned key across every
// child.
func (kw *KWay) Next() (bool, error) {
	if len(kw.h) == 0 {
		return false, nil
	}
	node := heap.Pop(&kw.h).(*kwayNode)
	kw.curKey, kw.curValue, kw.curTomb = node.key, node.value, node.tombstone
	kw.started = true

	ok, err := node.it.Next()
	if err != nil {
		return false, err
	}
	if ok {
		node.key = node.it.Key()
		node.value = node.it.Value()
		node.tombstone = node.it.IsTombstone()
		heap.Push(&kw.h, node)
	} else {
		_ = node.it.Close()
	}
	return true, nil
}

// HasNext reports whether any child still has an unconsumed entry.
func (kw *KWay) HasNext() bool {
	return len(kw.h) > 0
}

// Key returns the most recently yielded versioned key.
func (kw *KWay) Key() keys.VersionedKey { return kw.curKey }

// Value returns the most recently yielded entry's value.
func (kw *KWay) Value() []byte { return kw.curValue }

// IsTombstone reports whether the most recently yielded entry is a
// deletion marker.
func (kw *KWay) IsTombstone() bool { return kw.curTomb }

// Close closes every child iterator still holding an unconsumed entry.
func (kw *KWay) Close() error {
	var firstErr error
	for _, node := range kw.h {
		if err := node.it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	kw.h = nil
	return firstErr
}
