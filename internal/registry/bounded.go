// Package registry provides Bounded, the indexed, time-ordered, capacity-limited
// collection used for picks, correlations, hypotheses, sites and webs.
package registry

import (
	"sort"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	val   V
	order float64
	seq   uint64
}

func (e *entry[K, V]) before(o *entry[K, V]) bool {
	if e.order != o.order {
		return e.order < o.order
	}
	return e.seq < o.seq
}

// Bounded keeps values sorted by an order key (usually a time) and indexed by K.
// When the number of entries exceeds Max the oldest entries are evicted.
// A Max of zero or less means unbounded.
type Bounded[K comparable, V any] struct {
	mu     sync.RWMutex
	max    int
	seq    uint64
	index  map[K]*entry[K, V]
	sorted []*entry[K, V]
}

func New[K comparable, V any](max int) *Bounded[K, V] {
	return &Bounded[K, V]{
		max:   max,
		index: make(map[K]*entry[K, V]),
	}
}

func (b *Bounded[K, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sorted)
}

func (b *Bounded[K, V]) Max() int {
	return b.max
}

func (b *Bounded[K, V]) Get(k K) (V, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Insert adds v under k. It returns false if k is already present. Evicted holds
// the values pushed out by capacity, which may include v itself when v is older
// than everything in a full collection.
func (b *Bounded[K, V]) Insert(k K, v V, order float64) (inserted bool, evicted []V) {
	return b.InsertUnless(k, v, order, 0, 0, nil)
}

// InsertUnless atomically checks every entry whose order lies in [lo, hi] with dup
// and only inserts when none of them match.
func (b *Bounded[K, V]) InsertUnless(k K, v V, order, lo, hi float64, dup func(V) bool) (inserted bool, evicted []V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[k]; exists {
		return false, nil
	}
	if dup != nil {
		for _, e := range b.rangeLocked(lo, hi) {
			if dup(e.val) {
				return false, nil
			}
		}
	}

	return true, b.insertLocked(k, v, order)
}

func (b *Bounded[K, V]) insertLocked(k K, v V, order float64) (evicted []V) {
	b.seq++
	e := &entry[K, V]{key: k, val: v, order: order, seq: b.seq}
	b.placeLocked(e)

	if b.max > 0 {
		for len(b.sorted) > b.max {
			old := b.sorted[0]
			b.sorted[0] = nil
			b.sorted = b.sorted[1:]
			delete(b.index, old.key)
			evicted = append(evicted, old.val)
		}
	}
	return evicted
}

func (b *Bounded[K, V]) placeLocked(e *entry[K, V]) {
	i := sort.Search(len(b.sorted), func(i int) bool { return e.before(b.sorted[i]) })
	b.sorted = append(b.sorted, nil)
	copy(b.sorted[i+1:], b.sorted[i:])
	b.sorted[i] = e
	b.index[e.key] = e
}

// Put inserts or atomically replaces the value under k.
func (b *Bounded[K, V]) Put(k K, v V, order float64) (replaced bool, evicted []V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.index[k]; ok {
		b.removeLocked(e)
		replaced = true
	}
	return replaced, b.insertLocked(k, v, order)
}

// Reorder moves k to a new order key, keeping its value.
func (b *Bounded[K, V]) Reorder(k K, order float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.index[k]
	if !ok {
		return false
	}
	b.removeLocked(e)
	e.order = order
	b.placeLocked(e)
	return true
}

func (b *Bounded[K, V]) Remove(k K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	b.removeLocked(e)
	return e.val, true
}

// RemoveBefore removes and returns every value ordered strictly before cutoff.
func (b *Bounded[K, V]) RemoveBefore(cutoff float64) []V {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := sort.Search(len(b.sorted), func(i int) bool { return b.sorted[i].order >= cutoff })
	if n == 0 {
		return nil
	}
	out := make([]V, 0, n)
	for _, e := range b.sorted[:n] {
		delete(b.index, e.key)
		out = append(out, e.val)
	}
	rest := make([]*entry[K, V], len(b.sorted)-n)
	copy(rest, b.sorted[n:])
	b.sorted = rest
	return out
}

// Range returns values with order in [lo, hi], oldest first.
func (b *Bounded[K, V]) Range(lo, hi float64) []V {
	b.mu.RLock()
	defer b.mu.RUnlock()
	es := b.rangeLocked(lo, hi)
	out := make([]V, len(es))
	for i, e := range es {
		out[i] = e.val
	}
	return out
}

// Values returns a snapshot of all values, oldest first.
func (b *Bounded[K, V]) Values() []V {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]V, len(b.sorted))
	for i, e := range b.sorted {
		out[i] = e.val
	}
	return out
}

// Keys returns a snapshot of all keys, oldest first.
func (b *Bounded[K, V]) Keys() []K {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]K, len(b.sorted))
	for i, e := range b.sorted {
		out[i] = e.key
	}
	return out
}

func (b *Bounded[K, V]) Oldest() (K, V, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.sorted) == 0 {
		var k K
		var v V
		return k, v, false
	}
	e := b.sorted[0]
	return e.key, e.val, true
}

func (b *Bounded[K, V]) rangeLocked(lo, hi float64) []*entry[K, V] {
	if hi < lo {
		return nil
	}
	start := sort.Search(len(b.sorted), func(i int) bool { return b.sorted[i].order >= lo })
	end := sort.Search(len(b.sorted), func(i int) bool { return b.sorted[i].order > hi })
	if start >= end {
		return nil
	}
	return b.sorted[start:end]
}

func (b *Bounded[K, V]) removeLocked(e *entry[K, V]) {
	i := sort.Search(len(b.sorted), func(i int) bool { return !b.sorted[i].before(e) })
	for ; i < len(b.sorted); i++ {
		if b.sorted[i] == e {
			copy(b.sorted[i:], b.sorted[i+1:])
			b.sorted[len(b.sorted)-1] = nil
			b.sorted = b.sorted[:len(b.sorted)-1]
			break
		}
	}
	delete(b.index, e.key)
}
