// Package swap implements the page-sized slot allocator over a block
// device described in spec.md §4.B: the backing store evicted Anonymous
// (and dirtied Binary) pages are written to and read back from.
package swap

import (
	"sync"

	"github.com/pkg/errors"

	"novaos/kernel/blockdev"
	"novaos/kernel/defs"
)

// sectorsPerSlot is PAGE_SIZE / BLOCK_SECTOR_SIZE, the number of
// contiguous sectors a single swap slot occupies.
const sectorsPerSlot = defs.PageSize / blockdev.SectorSize

// Slot identifies one page-sized region of the swap device.
type Slot int

// Counter is satisfied by prometheus.Counter, so this package can report
// real swap traffic to a kstats.Collector without importing the
// prometheus client itself.
type Counter interface {
	Inc()
}

// Store is the swap table: a bitmap of fixed-size slots over a block
// device, each slot holding exactly one page.
type Store struct {
	mu       sync.Mutex
	dev      blockdev.Device
	inUse    []bool
	swapIns  Counter
	swapOuts Counter
}

// New creates a Store over dev, the block device tagged as the swap
// device. All slots start free.
func New(dev blockdev.Device) *Store {
	slots := dev.SectorCount() / sectorsPerSlot
	return &Store{
		dev:   dev,
		inUse: make([]bool, slots),
	}
}

// SetCounters wires ins/outs to be incremented on every successful
// SwapIn/SwapOut. Passing nil for either disables that instrumentation;
// the default is both nil.
func (s *Store) SetCounters(ins, outs Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapIns = ins
	s.swapOuts = outs
}

// SwapOut reserves the first free slot, writes the PAGE_SIZE bytes in
// page sector-by-sector, and returns the slot index. A full swap table
// is a fatal kernel condition per spec.md §4.B/§7 and panics.
func (s *Store) SwapOut(page []byte) Slot {
	if len(page) != defs.PageSize {
		panic("swap: page must be exactly PAGE_SIZE bytes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := -1
	for i, used := range s.inUse {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		panic("swap: no free swap slots")
	}
	s.inUse[slot] = true

	start := slot * sectorsPerSlot
	for i := 0; i < sectorsPerSlot; i++ {
		sec := page[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := s.dev.WriteSector(start+i, sec); err != nil {
			panic(errors.Wrapf(err, "swap: write sector %d of slot %d", start+i, slot))
		}
	}
	if s.swapOuts != nil {
		s.swapOuts.Inc()
	}
	return Slot(slot)
}

// SwapIn reads the page stored at slot back into dst and frees the slot.
// It requires the slot to currently be in use.
func (s *Store) SwapIn(slot Slot, dst []byte) error {
	if len(dst) != defs.PageSize {
		panic("swap: dst must be exactly PAGE_SIZE bytes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(slot) < 0 || int(slot) >= len(s.inUse) || !s.inUse[slot] {
		return errors.Errorf("swap: slot %d is not in use", slot)
	}

	start := int(slot) * sectorsPerSlot
	for i := 0; i < sectorsPerSlot; i++ {
		sec := dst[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := s.dev.ReadSector(start+i, sec); err != nil {
			return errors.Wrapf(err, "swap: read sector %d of slot %d", start+i, slot)
		}
	}
	s.inUse[slot] = false
	if s.swapIns != nil {
		s.swapIns.Inc()
	}
	return nil
}

// Free reports whether slot is currently free, for tests verifying the
// swap round-trip invariant of spec.md §8.
func (s *Store) Free(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) < 0 || int(slot) >= len(s.inUse) {
		return true
	}
	return !s.inUse[slot]
}
