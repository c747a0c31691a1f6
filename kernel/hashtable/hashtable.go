// Package hashtable provides the collision-chained, lock-striped hash
// table used as the supplemental page table's backing store. It is a
// generic adaptation of the teacher's own hashtable package: the original
// stored `interface{}` keys/values and type-switched on a small fixed set
// of key types (Ustr, int, int32, string); this version is parameterized
// so callers get compile-time type safety instead of a type switch.
package hashtable

import (
	"sync"
)

// elem is one entry in a bucket's collision chain.
type elem[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    *elem[K, V]
}

// bucket guards one hash-table slot with its own lock, so concurrent
// operations on different buckets never contend.
type bucket[K comparable, V any] struct {
	sync.RWMutex
	first *elem[K, V]
}

func (b *bucket[K, V]) elems() []Pair[K, V] {
	b.RLock()
	defer b.RUnlock()
	p := make([]Pair[K, V], 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair[K, V]{Key: e.key, Value: e.value})
	}
	return p
}

// Pair is a key/value tuple returned by Elems.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Table is a generic hash table mapping keys to values, protected
// internally by per-bucket locks, matching the teacher's
// Hashtable_t shape.
type Table[K comparable, V any] struct {
	hashFn func(K) uint32
	table  []*bucket[K, V]
}

// New allocates a Table with size buckets, hashing keys with hashFn.
func New[K comparable, V any](size int, hashFn func(K) uint32) *Table[K, V] {
	if size < 1 {
		size = 1
	}
	t := &Table[K, V]{hashFn: hashFn, table: make([]*bucket[K, V], size)}
	for i := range t.table {
		t.table[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(kh uint32) *bucket[K, V] {
	return t.table[int(kh%uint32(len(t.table)))]
}

// Get looks up key and returns its value.
func (t *Table[K, V]) Get(key K) (V, bool) {
	kh := t.hashFn(key)
	b := t.bucketFor(kh)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts a key/value pair, replacing any existing value for key.
// It reports whether key was newly inserted (false if it already existed
// and was overwritten).
func (t *Table[K, V]) Set(key K, value V) bool {
	kh := t.hashFn(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return false
		}
	}
	b.first = &elem[K, V]{key: key, value: value, keyHash: kh, next: b.first}
	return true
}

// Del removes key from the table, if present.
func (t *Table[K, V]) Del(key K) {
	kh := t.hashFn(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	var prev *elem[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Size returns the total number of elements stored in the table.
func (t *Table[K, V]) Size() int {
	n := 0
	for _, b := range t.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}

// Elems returns every key/value pair currently stored.
func (t *Table[K, V]) Elems() []Pair[K, V] {
	p := make([]Pair[K, V], 0)
	for _, b := range t.table {
		p = append(p, b.elems()...)
	}
	return p
}

// HashUintptr is the hasher used for virtual-address-keyed tables
// (the supplemental page table). Unlike the teacher's plain "return
// uint32(x)" treatment of integer keys, it XORs the high 32 bits of the
// address into the low 32 bits.
func HashUintptr(v uintptr) uint32 {
	return uint32(v) ^ uint32(v>>32)
}

// HashInt is the hasher used for small integer keys such as mapids.
func HashInt(v int) uint32 {
	return uint32(v)
}
