// Package mmap implements the per-process memory-mapped-file registry
// described in spec.md §4.E: mapping file contents into a process's
// address space with lazy page-in (via package spt) and dirty
// write-back on unmap.
package mmap

import (
	"github.com/pkg/errors"

	"novaos/kernel/defs"
	"novaos/kernel/spt"
	"novaos/kernel/util"
)

// MapID identifies one mmap record, process-local and monotonic.
type MapID int

// record is spec.md §3's "Mmap file record": a mapping id, the reopened
// file handle, and the ordered list of SPT entries it owns.
type record struct {
	id    MapID
	file  defs.BackingFile
	addrs []uintptr
}

// Registry is a process's mmap table.
type Registry struct {
	spt    *spt.Table
	nextID MapID
	byID   map[MapID]*record
}

// New creates an empty registry backed by the process's supplemental
// page table.
func New(sptTable *spt.Table) *Registry {
	return &Registry{spt: sptTable, byID: make(map[MapID]*record)}
}

// Mmap maps fileSize bytes of file starting at addr, returning the new
// mapping's id. It rejects kernel addresses, the null address,
// non-page-aligned addresses, empty files, and any overlap with an
// existing SPT entry, exactly as spec.md §4.E specifies.
func (r *Registry) Mmap(file defs.BackingFile, addr uintptr, fileSize int64) (MapID, error) {
	if addr == 0 {
		return 0, errors.New("mmap: null address")
	}
	if addr >= defs.UserTop {
		return 0, errors.New("mmap: kernel address")
	}
	if addr&defs.PageMask != 0 {
		return 0, errors.New("mmap: address not page-aligned")
	}
	if fileSize <= 0 {
		return 0, errors.New("mmap: empty file")
	}

	pages := int((fileSize + int64(defs.PageSize) - 1) / int64(defs.PageSize))
	addrs := make([]uintptr, pages)
	for i := 0; i < pages; i++ {
		va := addr + uintptr(i*defs.PageSize)
		if va >= defs.UserTop {
			return 0, errors.New("mmap: mapping would cross into kernel space")
		}
		if _, ok := r.spt.Find(va); ok {
			return 0, errors.Errorf("mmap: page %#x already mapped", va)
		}
		addrs[i] = va
	}

	for i, va := range addrs {
		offset := int64(i) * int64(defs.PageSize)
		readBytes := util.Min(int(fileSize-offset), defs.PageSize)
		zeroBytes := defs.PageSize - readBytes
		r.spt.Allocate(spt.File, va, true, offset, readBytes, zeroBytes, file)
	}

	r.nextID++
	id := r.nextID
	r.byID[id] = &record{id: id, file: file, addrs: addrs}
	return id, nil
}

// Munmap writes back any loaded, dirty pages, then frees and unlinks
// every SPT entry the mapping owns, exactly as spec.md §4.E specifies.
func (r *Registry) Munmap(id MapID) error {
	rec, ok := r.byID[id]
	if !ok {
		return errors.Errorf("mmap: no such mapping %d", id)
	}

	for _, va := range rec.addrs {
		e, ok := r.spt.Find(va)
		if !ok {
			continue
		}
		if e.Loaded() {
			if err := e.WriteBackIfDirty(); err != nil {
				return errors.Wrapf(err, "mmap: write-back of page %#x failed", va)
			}
		}
		r.spt.Destroy(va)
	}

	delete(r.byID, id)
	return nil
}

// TeardownAll unmaps every outstanding mapping; called on process exit
// per spec.md §4.H ("every mmap record must be unmapped with the same
// semantics").
func (r *Registry) TeardownAll() error {
	for id := range r.byID {
		if err := r.Munmap(id); err != nil {
			return err
		}
	}
	return nil
}
