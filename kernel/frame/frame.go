// Package frame implements the global physical frame table: the ring of
// live physical pages and the clock-hand eviction policy described in
// spec.md §4.C. Frames hold the only physical storage in this simulated
// kernel; the supplemental page table (package spt) attaches itself to a
// Frame as its Owner once a page is faulted in.
package frame

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"novaos/kernel/defs"
	"novaos/kernel/oom"
)

// Owner is implemented by whatever currently occupies a Frame — in this
// kernel, always a supplemental-page-table entry. The frame table calls
// back into Owner during eviction so this package never needs to import
// spt (which itself imports frame to allocate).
type Owner interface {
	// Addr is the owner's user virtual address, for diagnostics only.
	Addr() uintptr
	// Accessed reports the simulated hardware "accessed" bit.
	Accessed() bool
	// ClearAccessed clears the simulated "accessed" bit, as the clock
	// algorithm does on its first pass over a page.
	ClearAccessed()
	// Dirty reports the simulated hardware "dirty" bit.
	Dirty() bool
	// Evict disposes of pageBytes (the frame's content) per the
	// Binary/File/Anonymous × dirty/clean table in spec.md §4.C, and
	// marks the owner unloaded. It must not touch the frame itself;
	// the frame table removes and frees the Frame after Evict returns.
	Evict(pageBytes []byte) error
}

// Frame is one physical page: its bytes, its owner (if any), the thread
// that allocated it, and whether it is pinned against eviction. pinned
// is only ever read or written under the owning Table's lock — see
// Table.Pin/Unpin — so it stays consistent with evictLocked's decisions.
type Frame struct {
	Bytes    []byte
	Owner    Owner
	ThreadID defs.Tid_t

	pinned bool
	elem   *list.Element
}

// SetOwner attaches the supplemental-page-table entry that now maps this
// frame. Called once the caller has installed the page-directory mapping.
func (f *Frame) SetOwner(o Owner) {
	f.Owner = o
}

// Pinned reports whether f is currently pinned against eviction.
func (f *Frame) Pinned() bool {
	return f.pinned
}

// Counter is satisfied by prometheus.Counter, so this package can report
// real evictions to a kstats.Collector without importing the prometheus
// client itself.
type Counter interface {
	Inc()
}

// Table is the global frame table: a ring of live frames plus the clock
// hand, guarded by a single lock per spec.md §5's locking hierarchy.
type Table struct {
	mu        sync.Mutex
	capacity  int
	ring      *list.List
	clock     *list.Element
	oomCh     oom.Channel
	evictions Counter
}

// New creates a frame table with room for capacity physical pages —
// the simulated size of the machine's RAM pool.
func New(capacity int) *Table {
	if capacity < 1 {
		panic("frame: capacity must be positive")
	}
	return &Table{capacity: capacity, ring: list.New(), oomCh: oom.NewChannel()}
}

// SetEvictionCounter wires c to be incremented once per frame actually
// reclaimed by the clock algorithm. Passing nil (the default) disables
// the instrumentation.
func (t *Table) SetEvictionCounter(c Counter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictions = c
}

// OomChannel returns the channel this table notifies when allocation
// fails with ErrAllPinned, so a caller (the boot harness, a test) can
// observe and react to memory pressure.
func (t *Table) OomChannel() oom.Channel {
	return t.oomCh
}

// ErrAllPinned is returned when eviction cannot find a victim because
// every live frame is pinned. The real kernel assumes this never happens
// and spins forever; returning an error here lets callers in this
// simulation surface the condition instead of hanging.
var ErrAllPinned = errors.New("frame: all frames pinned, nothing to evict")

// Allocate requests a fresh frame for tid, the current thread. If the
// pool is exhausted it runs eviction and retries, exactly as spec.md
// §4.C describes. The returned frame is unpinned and has no Owner yet.
func (t *Table) Allocate(tid defs.Tid_t) (*Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.ring.Len() < t.capacity {
			f := &Frame{Bytes: make([]byte, defs.PageSize), ThreadID: tid}
			f.elem = t.ring.PushBack(f)
			return f, nil
		}
		if err := t.evictLocked(); err != nil {
			if err == ErrAllPinned {
				t.oomCh.Notify(1)
			}
			return nil, err
		}
	}
}

// Pin marks f pinned against eviction, taking the table's lock so the
// write can never race with evictLocked's read of the same field —
// spec.md §5 requires pinning a frame be atomic with eviction
// decisions, which a caller poking Frame.pinned directly could not
// guarantee.
func (t *Table) Pin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.pinned = true
}

// Unpin clears f's pinned bit, under the same lock as Pin.
func (t *Table) Unpin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.pinned = false
}

// Deallocate removes f from the frame table. Callers must have already
// cleared any page-directory mapping to f (the Open Question in spec.md
// §9 about ordering is resolved that way: clear mapping, then
// Deallocate, so a concurrent fault never observes a dangling PTE).
func (t *Table) Deallocate(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(f)
}

func (t *Table) removeLocked(f *Frame) {
	if f.elem == nil {
		return
	}
	if t.clock == f.elem {
		t.clock = t.nextLocked(f.elem)
	}
	t.ring.Remove(f.elem)
	f.elem = nil
}

// nextLocked returns the ring element after e, wrapping to the front,
// or nil if the ring is empty.
func (t *Table) nextLocked(e *list.Element) *list.Element {
	n := e.Next()
	if n == nil {
		n = t.ring.Front()
	}
	return n
}

// evictLocked runs one pass of the clock algorithm and reclaims exactly
// one frame. Called with t.mu held.
func (t *Table) evictLocked() error {
	if t.ring.Len() == 0 {
		return errors.New("frame: nothing to evict from an empty table")
	}

	scanned := 0
	limit := 2*t.ring.Len() + 1
	for {
		if t.clock == nil {
			t.clock = t.ring.Front()
		}
		e := t.clock
		f := e.Value.(*Frame)
		t.clock = t.nextLocked(e)

		// A frame with no Owner yet is mid-allocation (SetOwner has not
		// run); treat it like a pinned frame so it is never evicted out
		// from under the caller that just allocated it.
		if !f.pinned && f.Owner != nil {
			if !f.Owner.Accessed() {
				// victim found
				if err := f.Owner.Evict(f.Bytes); err != nil {
					return errors.Wrap(err, "frame: eviction failed")
				}
				t.removeLocked(f)
				if t.evictions != nil {
					t.evictions.Inc()
				}
				return nil
			}
			f.Owner.ClearAccessed()
		}

		scanned++
		if scanned > limit {
			return ErrAllPinned
		}
	}
}
