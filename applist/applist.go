// Package applist implements the append-only indexed list (spec.md C6):
// a lock-free, tail-append singly linked list with a single designated
// remover, and a bucket-indexed wrapper adding a Bloom-style filter and
// min/max summary per bucket for fast negative lookups.
package applist

import (
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// node is one element of an AppendAtomicList.
type node[T any] struct {
	value   T
	deleted atomic.Bool
	next    atomic.Pointer[node[T]]
}

// List is a lock-free, append-only singly linked list. Appends are
// wait-free: a new tail slot is published before the node itself, so
// concurrent appenders never block each other. Removal requires the
// caller to serialize removers externally — the transaction manager is
// the designated single remover in this database's usage.
type List[T any] struct {
	head node[T]       // sentinel; head.value is never read
	tail atomic.Pointer[atomic.Pointer[node[T]]]
}

// New returns an empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.tail.Store(&l.head.next)
	return l
}

// Append adds value to the end of the list. Safe for concurrent use by
// any number of appenders.
func (l *List[T]) Append(value T) {
	n := &node[T]{value: value}
	slot := l.tail.Swap(&n.next)
	slot.Store(n)
}

// ForEach visits every non-removed element in append order. Safe
// against concurrent appenders; not safe against concurrent removers
// without external synchronization (matches spec.md's stated contract).
func (l *List[T]) ForEach(fn func(v T) bool) {
	for cur := l.head.next.Load(); cur != nil; cur = cur.next.Load() {
		if cur.deleted.Load() {
			continue
		}
		if !fn(cur.value) {
			return
		}
	}
}

// RemoveIfFirst walks the list for the first non-removed element
// satisfying pred and marks it logically deleted (soft delete: the
// payload stays in place until a later Clean pass). Returns whether a
// match was found. Must not be called concurrently with another
// RemoveIfFirst/Clean on the same list.
func (l *List[T]) RemoveIfFirst(pred func(v T) bool) bool {
	for cur := l.head.next.Load(); cur != nil; cur = cur.next.Load() {
		if cur.deleted.Load() {
			continue
		}
		if pred(cur.value) {
			cur.deleted.Store(true)
			return true
		}
	}
	return false
}

// Clean physically unlinks every soft-deleted node, reclaiming them.
// Must not run concurrently with another Clean or RemoveIfFirst on the
// same list; concurrent Append is safe.
func (l *List[T]) Clean() {
	prev := &l.head
	cur := prev.next.Load()
	for cur != nil {
		next := cur.next.Load()
		if cur.deleted.Load() {
			prev.next.Store(next)
		} else {
			prev = cur
		}
		cur = next
	}
}

// filterWords is the number of uint64 words backing each bucket's
// Bloom-style membership filter (512 bits), sized for the 5700-record,
// <51%-false-positive bound this database is tested against.
const filterWords = 8

// bucket holds one AppendAtomicList plus its Bloom filter and min/max
// summary, all updated without locks.
type bucket[T any] struct {
	list   *List[T]
	filter [filterWords]atomic.Uint64
	min    atomic.Uint64
	max    atomic.Uint64
	hasMin atomic.Bool
}

// sentinelMax/sentinelMin bound the initial, empty-bucket summary so
// the first cas_extremum call always wins.
const sentinelMax = ^uint64(0)
const sentinelMin = uint64(0)

// IndexedList is a fixed array of buckets, each independently
// lock-free, augmented with a per-bucket Bloom filter and an integer
// key's min/max bounds for O(1) negative lookups (spec.md §4.6).
type IndexedList[T any] struct {
	buckets []bucket[T]
}

// NewIndexed builds an IndexedList with n buckets.
func NewIndexed[T any](n int) *IndexedList[T] {
	il := &IndexedList[T]{buckets: make([]bucket[T], n)}
	for i := range il.buckets {
		il.buckets[i].list = New[T]()
		il.buckets[i].max.Store(sentinelMin)
		il.buckets[i].min.Store(sentinelMax)
	}
	return il
}

// NumBuckets returns the bucket count.
func (il *IndexedList[T]) NumBuckets() int { return len(il.buckets) }

func filterBit(key uint64) (word int, bit uint64) {
	buf := [8]byte{
		byte(key), byte(key >> 8), byte(key >> 16), byte(key >> 24),
		byte(key >> 32), byte(key >> 40), byte(key >> 48), byte(key >> 56),
	}
	h := xxh3.Hash(buf[:])
	idx := h % (filterWords * 64)
	return int(idx / 64), uint64(1) << (idx % 64)
}

// Insert appends value into bucket b and folds key into that bucket's
// Bloom filter and min/max summary.
func (il *IndexedList[T]) Insert(b int, key uint64, value T) {
	bk := &il.buckets[b]
	bk.list.Append(value)

	word, bit := filterBit(key)
	for {
		old := bk.filter[word].Load()
		if old&bit != 0 {
			break
		}
		if bk.filter[word].CompareAndSwap(old, old|bit) {
			break
		}
	}

	casMax(&bk.max, key, func(cur, v uint64) bool { return v > cur })
	casMin(&bk.min, key, func(cur, v uint64) bool { return v < cur })
	bk.hasMin.Store(true)
}

// casMax performs a CAS loop that replaces x with v whenever
// better(cur, v) holds — the generalized cas_extremum from spec.md §5.
func casMax(x *atomic.Uint64, v uint64, better func(cur, v uint64) bool) {
	for {
		cur := x.Load()
		if !better(cur, v) {
			return
		}
		if x.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMin(x *atomic.Uint64, v uint64, better func(cur, v uint64) bool) {
	for {
		cur := x.Load()
		if !better(cur, v) {
			return
		}
		if x.CompareAndSwap(cur, v) {
			return
		}
	}
}

// mightContain reports whether bucket b's filter admits key and key
// falls within the bucket's observed [min, max] range. A false result
// is certain; a true result may be a false positive.
func (bk *bucket[T]) mightContain(key uint64) bool {
	if !bk.hasMin.Load() {
		return false
	}
	if key < bk.min.Load() || key > bk.max.Load() {
		return false
	}
	word, bit := filterBit(key)
	return bk.filter[word].Load()&bit != 0
}

// IndexedForEach visits every bucket whose filter admits queryKey and
// whose [min, max] contains it, calling fn for each live element in
// those buckets. fn returning false stops iteration of that bucket but
// not of subsequent candidate buckets.
func (il *IndexedList[T]) IndexedForEach(queryKey uint64, fn func(v T) bool) {
	for i := range il.buckets {
		bk := &il.buckets[i]
		if !bk.mightContain(queryKey) {
			continue
		}
		bk.list.ForEach(fn)
	}
}

// SoftRemoveIfFirst walks bucket b's list for the first element
// satisfying pred and marks it deleted. Must not run concurrently with
// another remover on the same bucket.
func (il *IndexedList[T]) SoftRemoveIfFirst(b int, pred func(v T) bool) bool {
	return il.buckets[b].list.RemoveIfFirst(pred)
}

// Clean reclaims soft-deleted nodes across every bucket.
func (il *IndexedList[T]) Clean() {
	for i := range il.buckets {
		il.buckets[i].list.Clean()
	}
}
