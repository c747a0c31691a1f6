// Package spt implements the per-process supplemental page table and its
// page-fault handler, described in spec.md §4.D: lazy loading from an
// executable/file source, on-demand stack growth, and the frame/swap
// plumbing that backs both.
package spt

import (
	"sync"

	"github.com/pkg/errors"

	"novaos/kernel/defs"
	"novaos/kernel/frame"
	"novaos/kernel/hashtable"
	"novaos/kernel/swap"
)

// Type enumerates how an entry's content is (re)materialized.
type Type int

const (
	// Binary pages are lazily loaded from the process's executable and,
	// once dirtied, behave like Anonymous pages on eviction.
	Binary Type = iota
	// File pages back a memory-mapped file region (package mmap).
	File
	// Anonymous pages have no durable backing other than swap.
	Anonymous
)

// ErrKill is returned by HandleFault when the faulting address has no
// entry and does not qualify as stack growth; the caller must terminate
// the owning process with defs.ExitKilled.
var ErrKill = errors.New("spt: unmapped address, not a stack-growth candidate")

// Entry is one supplemental page table entry: spec.md §3's "Supplemental
// page entry". It implements frame.Owner so the frame table can evict it
// without knowing anything about page tables.
type Entry struct {
	mu sync.Mutex

	addr      uintptr
	typ       Type
	writable  bool
	loaded    bool
	file      defs.BackingFile
	offset    int64
	readBytes int
	zeroBytes int
	swapSlot  swap.Slot
	hasSwap   bool
	frame     *frame.Frame
	accessed  bool
	dirty     bool

	swapStore *swap.Store
	fileLock  *sync.Mutex
}

// Addr implements frame.Owner.
func (e *Entry) Addr() uintptr { return e.addr }

// Accessed implements frame.Owner.
func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

// ClearAccessed implements frame.Owner.
func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = false
}

// Dirty implements frame.Owner.
func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Touch simulates the hardware MMU setting the accessed (and, on a
// write, dirty) bit for this page. Callers that read or write through a
// loaded entry must call this so the clock algorithm and munmap
// write-back see accurate state.
func (e *Entry) Touch(write bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Loaded reports whether the entry currently has a frame mapped.
func (e *Entry) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Writable reports the entry's writable flag.
func (e *Entry) Writable() bool { return e.writable }

// Kind reports the entry's current type (it can change: a dirtied
// Binary page is reclassified Anonymous on eviction).
func (e *Entry) Kind() Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ
}

// Frame returns the frame currently backing this entry, or nil if
// unloaded.
func (e *Entry) Frame() *frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// ReadBytes, Offset report the backing-file geometry (for Binary/File
// entries).
func (e *Entry) ReadBytes() int  { return e.readBytes }
func (e *Entry) Offset() int64  { return e.offset }

func (e *Entry) attach(fr *frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frame = fr
	e.loaded = true
	e.accessed = true
}

func (e *Entry) swapSlotOrZero() (swap.Slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.swapSlot, e.hasSwap
}

// Evict implements frame.Owner: it disposes of pageBytes per the
// Binary/File/Anonymous × dirty/clean table in spec.md §4.C and marks
// the entry unloaded. The frame table removes/frees the Frame itself
// after this returns.
func (e *Entry) Evict(pageBytes []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.typ {
	case Binary:
		if e.dirty {
			e.swapSlot = e.swapStore.SwapOut(pageBytes)
			e.hasSwap = true
			e.typ = Anonymous
		}
	case File:
		if e.dirty {
			e.fileLock.Lock()
			_, err := e.file.WriteAt(pageBytes[:e.readBytes], e.offset)
			e.fileLock.Unlock()
			if err != nil {
				return errors.Wrap(err, "spt: write-back during eviction failed")
			}
		}
	case Anonymous:
		e.swapSlot = e.swapStore.SwapOut(pageBytes)
		e.hasSwap = true
	}

	e.loaded = false
	e.frame = nil
	e.accessed = false
	e.dirty = false
	return nil
}

// WriteBackIfDirty writes the page back to its backing file if loaded
// and dirty. Used by munmap (spec.md §4.E), which always writes back
// regardless of type, unlike eviction's Binary-reclassifies-to-Anonymous
// behavior.
func (e *Entry) WriteBackIfDirty() error {
	e.mu.Lock()
	fr := e.frame
	dirty := e.dirty
	loaded := e.loaded
	file := e.file
	offset := e.offset
	readBytes := e.readBytes
	e.mu.Unlock()

	if !loaded || !dirty || file == nil {
		return nil
	}
	e.fileLock.Lock()
	defer e.fileLock.Unlock()
	_, err := file.WriteAt(fr.Bytes[:readBytes], offset)
	return err
}

// Counter is satisfied by prometheus.Counter, so this package can report
// real page faults to a kstats.Collector without importing the
// prometheus client itself.
type Counter interface {
	Inc()
}

// Table is a process's supplemental page table: spec.md §3's per-process
// hash keyed by user virtual page address, backed by the generic
// hashtable package rather than a bare map.
type Table struct {
	entries    *hashtable.Table[uintptr, *Entry]
	frames     *frame.Table
	swapStore  *swap.Store
	fileLock   *sync.Mutex
	tid        defs.Tid_t
	pageFaults Counter
}

// New creates an empty supplemental page table for the process running
// as tid. frames and swapStore are the shared, global collaborators
// (spec.md §9's "singleton kernel context"); fileLock is the shared
// file_lock from spec.md §5's locking hierarchy.
func New(frames *frame.Table, swapStore *swap.Store, fileLock *sync.Mutex, tid defs.Tid_t) *Table {
	return &Table{
		entries:   hashtable.New[uintptr, *Entry](64, hashtable.HashUintptr),
		frames:    frames,
		swapStore: swapStore,
		fileLock:  fileLock,
		tid:       tid,
	}
}

// SetPageFaultCounter wires c to be incremented once per call to
// HandleFault. Passing nil (the default) disables the instrumentation.
func (t *Table) SetPageFaultCounter(c Counter) {
	t.pageFaults = c
}

// Find rounds addr down to its page and looks up the entry, if any.
func (t *Table) Find(addr uintptr) (*Entry, bool) {
	return t.entries.Get(defs.PageRoundDown(addr))
}

// Allocate creates and inserts a new entry, unloaded, with no swap slot
// yet, exactly as spec.md §4.D specifies.
func (t *Table) Allocate(typ Type, addr uintptr, writable bool, offset int64, readBytes, zeroBytes int, file defs.BackingFile) *Entry {
	addr = defs.PageRoundDown(addr)
	e := &Entry{
		addr:      addr,
		typ:       typ,
		writable:  writable,
		file:      file,
		offset:    offset,
		readBytes: readBytes,
		zeroBytes: zeroBytes,
		swapStore: t.swapStore,
		fileLock:  t.fileLock,
	}
	t.entries.Set(addr, e)
	return e
}

// Delete removes addr's entry from the table without touching any frame
// it may still reference; the caller is responsible for that frame.
func (t *Table) Delete(addr uintptr) {
	t.entries.Del(defs.PageRoundDown(addr))
}

// Destroy removes addr's entry and then, if it was loaded, frees its
// frame, so the mapping is gone before frame.Table.Deallocate runs.
// Used when a process exits or munmaps a region whose write-back the
// caller has already performed.
func (t *Table) Destroy(addr uintptr) {
	e, ok := t.Find(addr)
	if !ok {
		return
	}
	t.Delete(addr)
	if fr := e.Frame(); fr != nil {
		t.frames.Deallocate(fr)
	}
}

// DestroyAll empties the table, removing each entry before freeing its
// frame. Used by process exit (spec.md §4.H: "free SPT and frames").
func (t *Table) DestroyAll() {
	for _, pair := range t.entries.Elems() {
		t.entries.Del(pair.Key)
		if fr := pair.Value.Frame(); fr != nil {
			t.frames.Deallocate(fr)
		}
	}
}

// isStackGrowth reports whether a fault at addr, with stack pointer esp,
// qualifies as on-demand stack growth per spec.md §4.D: at or above
// esp-32, and within the 8 MiB region below the top of user space.
func isStackGrowth(addr, esp uintptr) bool {
	if int64(addr) < int64(esp)-32 {
		return false
	}
	if addr >= defs.UserTop {
		return false
	}
	low := uintptr(defs.UserTop - defs.StackLimit)
	return addr >= low
}

// HandleFault resolves a page fault at addr with stack pointer esp,
// dispatching by entry type exactly as spec.md §4.D describes. It
// returns ErrKill when the process must be terminated with
// defs.ExitKilled.
func (t *Table) HandleFault(addr, esp uintptr) (*Entry, error) {
	if t.pageFaults != nil {
		t.pageFaults.Inc()
	}

	e, ok := t.Find(addr)
	if !ok {
		if !isStackGrowth(addr, esp) {
			return nil, ErrKill
		}
		e = t.Allocate(Anonymous, addr, true, 0, 0, 0, nil)
	}

	if e.Loaded() {
		// Another fault raced us in and already populated the page.
		return e, nil
	}

	fr, err := t.frames.Allocate(t.tid)
	if err != nil {
		return nil, errors.Wrap(err, "spt: out of frames")
	}
	t.frames.Pin(fr)

	switch e.Kind() {
	case Binary, File:
		if err := t.loadFileBacked(e, fr); err != nil {
			t.frames.Deallocate(fr)
			return nil, err
		}
	case Anonymous:
		if slot, ok := e.swapSlotOrZero(); ok {
			if err := t.swapStore.SwapIn(slot, fr.Bytes); err != nil {
				t.frames.Deallocate(fr)
				return nil, errors.Wrap(err, "spt: swap-in failed")
			}
		}
		// else: freshly allocated page, fr.Bytes is already zero.
	}

	fr.SetOwner(e)
	e.attach(fr)
	t.frames.Unpin(fr)
	return e, nil
}

func (t *Table) loadFileBacked(e *Entry, fr *frame.Frame) error {
	t.fileLock.Lock()
	n, err := e.file.ReadAt(fr.Bytes[:e.readBytes], e.offset)
	t.fileLock.Unlock()
	if err != nil {
		return errors.Wrap(err, "spt: read failed while loading page")
	}
	if n != e.readBytes {
		return errors.New("spt: short read while loading page")
	}
	for i := e.readBytes; i < e.readBytes+e.zeroBytes; i++ {
		fr.Bytes[i] = 0
	}
	return nil
}
