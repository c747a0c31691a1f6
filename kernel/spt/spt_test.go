package spt

import (
	"bytes"
	"sync"
	"testing"

	"novaos/kernel/blockdev"
	"novaos/kernel/defs"
	"novaos/kernel/frame"
	"novaos/kernel/swap"
)

// memFile is a tiny in-memory defs.BackingFile for tests.
type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(f.data) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func newHarness(t *testing.T, frames int, swapSlots int) (*Table, *frame.Table, *swap.Store) {
	t.Helper()
	ft := frame.New(frames)
	dev := blockdev.NewMemory(swapSlots * (defs.PageSize / blockdev.SectorSize))
	sw := swap.New(dev)
	var fileLock sync.Mutex
	return New(ft, sw, &fileLock, 1), ft, sw
}

func TestBinaryPageLoadsFromFile(t *testing.T) {
	tbl, _, _ := newHarness(t, 4, 4)
	file := &memFile{data: bytes.Repeat([]byte{0xAB}, defs.PageSize)}
	tbl.Allocate(Binary, 0x1000, true, 0, 100, defs.PageSize-100, file)

	e, err := tbl.HandleFault(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Loaded() {
		t.Fatalf("expected entry to be loaded")
	}
	fr := e.Frame()
	for i := 0; i < 100; i++ {
		if fr.Bytes[i] != 0xAB {
			t.Fatalf("byte %d not loaded from file", i)
		}
	}
	for i := 100; i < defs.PageSize; i++ {
		if fr.Bytes[i] != 0 {
			t.Fatalf("byte %d should be zero-filled", i)
		}
	}
}

func TestStackGrowth(t *testing.T) {
	tbl, _, _ := newHarness(t, 4, 4)
	esp := uintptr(defs.UserTop - 4096)
	fault := esp - 4

	e, err := tbl.HandleFault(fault, esp)
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind() != Anonymous {
		t.Fatalf("stack growth must allocate an Anonymous page")
	}
	fr := e.Frame()
	copy(fr.Bytes, []byte("hello"))
	if string(fr.Bytes[:5]) != "hello" {
		t.Fatalf("write/read-back on grown stack page failed")
	}
}

func TestUnmappedAddressKills(t *testing.T) {
	tbl, _, _ := newHarness(t, 4, 4)
	_, err := tbl.HandleFault(0x5000, 0x2000)
	if err != ErrKill {
		t.Fatalf("expected ErrKill, got %v", err)
	}
}

func TestEvictionRoundTrip(t *testing.T) {
	// Only one physical frame: the second fault must evict the first.
	tbl, _, sw := newHarness(t, 1, 4)
	_ = sw

	tbl.Allocate(Anonymous, 0x1000, true, 0, 0, 0, nil)
	tbl.Allocate(Anonymous, 0x2000, true, 0, 0, 0, nil)

	e1, err := tbl.HandleFault(0x1000, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	copy(e1.Frame().Bytes, []byte("page-one"))
	e1.Touch(true) // accessed+dirty; the clock pass must clear accessed before evicting

	e2, err := tbl.HandleFault(0x2000, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	if e1.Loaded() {
		t.Fatalf("expected the one-frame pool to have evicted entry 1")
	}
	_ = e2

	// Touching page one again must fault it back in with original
	// contents, via the swap slot recorded during eviction.
	e1again, err := tbl.HandleFault(0x1000, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	if string(e1again.Frame().Bytes[:8]) != "page-one" {
		t.Fatalf("swapped-in page lost its contents: %q", e1again.Frame().Bytes[:8])
	}
}

// countingCounter is a minimal Counter for asserting how many times Inc
// was called.
type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestSetPageFaultCounterIncrementsPerFault(t *testing.T) {
	tbl, _, _ := newHarness(t, 4, 4)
	counter := &countingCounter{}
	tbl.SetPageFaultCounter(counter)

	tbl.Allocate(Anonymous, 0x1000, true, 0, 0, 0, nil)
	if _, err := tbl.HandleFault(0x1000, 0x9000); err != nil {
		t.Fatal(err)
	}
	if counter.n != 1 {
		t.Fatalf("expected page fault counter to be incremented once, got %d", counter.n)
	}

	// A second fault on the now-loaded page (the race-recovery path)
	// still counts as a fault handled.
	if _, err := tbl.HandleFault(0x1000, 0x9000); err != nil {
		t.Fatal(err)
	}
	if counter.n != 2 {
		t.Fatalf("expected page fault counter at 2 after a second fault, got %d", counter.n)
	}
}

func TestMmapWriteBack(t *testing.T) {
	tbl, _, _ := newHarness(t, 4, 4)
	file := &memFile{data: make([]byte, defs.PageSize)}
	e := tbl.Allocate(File, 0x4000, true, 0, defs.PageSize, 0, file)

	if _, err := tbl.HandleFault(0x4000, 0x9000); err != nil {
		t.Fatal(err)
	}
	fr := e.Frame()
	fr.Bytes[0] = 'X'
	e.Touch(true)

	if err := e.WriteBackIfDirty(); err != nil {
		t.Fatal(err)
	}
	if file.data[0] != 'X' {
		t.Fatalf("munmap write-back did not reach the file")
	}
}
