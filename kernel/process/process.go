// Package process implements the process-lifecycle glue described in
// spec.md §4.H: the three one-shot load/wait/exit semaphores, wait(2)
// and exit(2), and the per-process file-descriptor table, all built
// on top of package sched's thread primitives and package spt/mmap's
// per-process memory state.
package process

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"novaos/kernel/defs"
	"novaos/kernel/frame"
	"novaos/kernel/mmap"
	"novaos/kernel/sched"
	"novaos/kernel/spt"
	"novaos/kernel/swap"
)

// firstUserFd is the lowest fd number a process can open; 0 and 1 are
// reserved the way stdin/stdout are everywhere else.
const firstUserFd = 2

// Fd is one entry in a process's descriptor table, mirroring the
// teacher's Fd_t: a handle onto the backing collaborator plus its
// permission bits.
type Fd struct {
	File  defs.BackingFile
	Perms int
}

// Permission bits for an Fd.
const (
	FdRead  = 0x1
	FdWrite = 0x2
)

// Process wraps a sched.Thread with the per-process memory and I/O
// state component H adds on top of the bare scheduler: a supplemental
// page table, an mmap registry, and a file-descriptor table indexed
// from 2.
type Process struct {
	Thread *sched.Thread

	SPT   *spt.Table
	Mmaps *mmap.Registry

	fdMu   sync.Mutex
	fds    map[int]*Fd
	nextFd int

	out io.Writer
}

// New creates a process: a new user thread (ready to run, per
// sched.CreateThread), its own supplemental page table and mmap
// registry (sharing the kernel-wide frame table, swap store, and file
// lock), and an empty fd table starting at 2. If parent is non-nil,
// the new thread is linked into its child list.
func New(ctx *sched.Context, frames *frame.Table, swapStore *swap.Store, fileLock *sync.Mutex, name string, priority int, parent *Process, out io.Writer) *Process {
	t := ctx.CreateThread(name, priority)
	t.IsUser = true
	t.SemaLoad = sched.NewSemaphore(0)
	t.SemaWait = sched.NewSemaphore(0)
	t.SemaExit = sched.NewSemaphore(0)

	if parent != nil {
		t.Parent = parent.Thread
		parent.Thread.Children = append(parent.Thread.Children, t)
	}

	p := &Process{
		Thread: t,
		SPT:    spt.New(frames, swapStore, fileLock, t.ID),
		out:    out,
		fds:    make(map[int]*Fd),
		nextFd: firstUserFd,
	}
	p.Mmaps = mmap.New(p.SPT)
	return p
}

// FinishLoad is called by a freshly exec'd child once it has
// determined whether the binary loaded successfully; it posts the
// load semaphore so a waiting parent's Exec can proceed.
func (p *Process) FinishLoad(ctx *sched.Context, ok bool) {
	p.Thread.LoadOK = ok
	ctx.SemaUp(p.Thread.SemaLoad)
}

// WaitForLoad blocks the calling process until its child posts
// FinishLoad, then reports whether the load succeeded.
func (p *Process) WaitForLoad(ctx *sched.Context, child *Process) bool {
	ctx.SemaDown(p.Thread, child.Thread.SemaLoad)
	return child.Thread.LoadOK
}

// Open installs file as the next free descriptor (starting at 2) and
// returns its number.
func (p *Process) Open(file defs.BackingFile, perms int) int {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	fd := p.nextFd
	p.nextFd++
	p.fds[fd] = &Fd{File: file, Perms: perms}
	return fd
}

// Get returns the descriptor numbered fd, if open.
func (p *Process) Get(fd int) (*Fd, bool) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	f, ok := p.fds[fd]
	return f, ok
}

// Close removes fd from the table. Closing an unopened fd is a no-op,
// matching the teacher's Close_panic only being used where the caller
// already knows the fd is open.
func (p *Process) Close(fd int) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	delete(p.fds, fd)
}

func (p *Process) closeAllFds() {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	for fd := range p.fds {
		delete(p.fds, fd)
	}
}

// Wait implements wait(pid): it returns an error if pid does not name
// a live direct child (including a child already waited on — once
// harvested, a child is unlinked from the parent's child list, so a
// second Wait naturally fails this lookup). Otherwise it blocks on the
// child's wait semaphore, captures the exit status, signals the
// child's exit semaphore so it may finish tearing down, and unlinks
// the child.
func (p *Process) Wait(ctx *sched.Context, pid defs.Tid_t) (int, error) {
	idx := -1
	for i, c := range p.Thread.Children {
		if c.ID == pid {
			idx = i
			break
		}
	}
	if idx == -1 {
		return -1, errors.Errorf("process: %d is not a waitable child", pid)
	}
	child := p.Thread.Children[idx]

	ctx.SemaDown(p.Thread, child.SemaWait)
	status := child.ExitStatus
	ctx.SemaUp(child.SemaExit)

	p.Thread.Children = append(p.Thread.Children[:idx], p.Thread.Children[idx+1:]...)
	return status, nil
}

// Exit implements exit(status): print the exit line, store the
// status, tear down every fd/mmap/SPT-frame the process owns, signal
// its own wait semaphore so a parent blocked in Wait can proceed,
// release any orphaned children by signaling their exit semaphores so
// they don't wait forever on a parent that will never call Wait, and
// finally hand the thread itself to the scheduler to die.
//
// p.Thread must be the currently running thread when this is called —
// exactly as it would be for a real exit syscall, which only ever runs
// in the context of the thread invoking it. SemaExit exists so a
// version of this method with real per-thread goroutines could block
// the exiting thread until its parent reaps it without losing its
// stack; this synchronous simulation instead tears down eagerly and
// leaves SemaExit available for callers that want to track the
// harvest (Wait posts it once it has read the exit status).
func (p *Process) Exit(ctx *sched.Context, status int) {
	fmt.Fprintf(p.out, "%s: exit(%d)\n", p.Thread.Name, status)
	p.Thread.ExitStatus = status

	p.closeAllFds()
	if err := p.Mmaps.TeardownAll(); err != nil {
		fmt.Fprintf(p.out, "%s: error unmapping on exit: %v\n", p.Thread.Name, err)
	}
	p.SPT.DestroyAll()

	ctx.SemaUp(p.Thread.SemaWait)
	for _, child := range p.Thread.Children {
		ctx.SemaUp(child.SemaExit)
	}

	ctx.Exit()
}
