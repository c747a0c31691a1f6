package process

import (
	"bytes"
	"sync"
	"testing"

	"novaos/kernel/blockdev"
	"novaos/kernel/defs"
	"novaos/kernel/frame"
	"novaos/kernel/sched"
	"novaos/kernel/swap"
)

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

type harness struct {
	ctx    *sched.Context
	frames *frame.Table
	swap   *swap.Store
	lock   sync.Mutex
	out    *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := blockdev.NewMemory(8 * (defs.PageSize / blockdev.SectorSize))
	return &harness{
		ctx:    sched.NewContext(false),
		frames: frame.New(8),
		swap:   swap.New(dev),
		out:    &bytes.Buffer{},
	}
}

func (h *harness) newProcess(name string, priority int, parent *Process) *Process {
	return New(h.ctx, h.frames, h.swap, &h.lock, name, priority, parent, h.out)
}

// makeCurrent cycles the scheduler until t's thread is the one
// running, the way a syscall invoked from that thread's own code
// would naturally find it. Exit (via sched.Context.Exit) always acts
// on the currently running thread, so tests that call Process.Exit on
// behalf of a specific process must put it in the driver's seat first.
func (h *harness) makeCurrent(p *Process) {
	for h.ctx.Current() != p.Thread {
		h.ctx.Yield()
	}
}

func TestNewLinksParentAndChild(t *testing.T) {
	h := newHarness(t)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	child := h.newProcess("child", sched.PriorityDefault, parent)

	if child.Thread.Parent != parent.Thread {
		t.Fatalf("expected child's parent link to be set")
	}
	if len(parent.Thread.Children) != 1 || parent.Thread.Children[0] != child.Thread {
		t.Fatalf("expected parent to list child")
	}
}

func TestOpenGetCloseFdTable(t *testing.T) {
	h := newHarness(t)
	p := h.newProcess("p", sched.PriorityDefault, nil)

	file := &memFile{data: make([]byte, defs.PageSize)}
	fd := p.Open(file, FdRead|FdWrite)
	if fd != 2 {
		t.Fatalf("expected first fd to be 2, got %d", fd)
	}

	got, ok := p.Get(fd)
	if !ok || got.File != file {
		t.Fatalf("expected to find the opened file back")
	}

	p.Close(fd)
	if _, ok := p.Get(fd); ok {
		t.Fatalf("expected fd to be gone after close")
	}
}

func TestFinishLoadAndWaitForLoad(t *testing.T) {
	h := newHarness(t)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	child := h.newProcess("child", sched.PriorityDefault, parent)

	child.FinishLoad(h.ctx, true)
	if !parent.WaitForLoad(h.ctx, child) {
		t.Fatalf("expected WaitForLoad to report success")
	}
}

func TestWaitRejectsNonChild(t *testing.T) {
	h := newHarness(t)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	stranger := h.newProcess("stranger", sched.PriorityDefault, nil)

	if _, err := parent.Wait(h.ctx, stranger.Thread.ID); err == nil {
		t.Fatalf("expected an error waiting on a non-child")
	}
}

func TestWaitReturnsStatusAndUnlinksChild(t *testing.T) {
	h := newHarness(t)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	child := h.newProcess("child", sched.PriorityDefault, parent)

	h.makeCurrent(child)
	child.Exit(h.ctx, 7)

	status, err := parent.Wait(h.ctx, child.Thread.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 7 {
		t.Fatalf("expected exit status 7, got %d", status)
	}
	if len(parent.Thread.Children) != 0 {
		t.Fatalf("expected child to be unlinked after harvest")
	}

	// A second wait on the same pid must fail: the child is gone.
	if _, err := parent.Wait(h.ctx, child.Thread.ID); err == nil {
		t.Fatalf("expected second wait on the same pid to fail")
	}
}

func TestExitPrintsStatusLine(t *testing.T) {
	h := newHarness(t)
	child := h.newProcess("worker", sched.PriorityDefault, nil)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	child.Thread.Parent = parent.Thread
	parent.Thread.Children = append(parent.Thread.Children, child.Thread)

	h.makeCurrent(child)
	child.Exit(h.ctx, 3)

	if got := h.out.String(); got != "worker: exit(3)\n" {
		t.Fatalf("expected exit line, got %q", got)
	}
}

func TestExitTearsDownMmapsAndSPT(t *testing.T) {
	h := newHarness(t)
	parent := h.newProcess("parent", sched.PriorityDefault, nil)
	child := h.newProcess("child", sched.PriorityDefault, parent)

	file := &memFile{data: make([]byte, defs.PageSize)}
	if _, err := child.Mmaps.Mmap(file, 0x1000, int64(defs.PageSize)); err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	if _, ok := child.SPT.Find(0x1000); !ok {
		t.Fatalf("expected the mmap to install an SPT entry")
	}

	h.makeCurrent(child)
	child.Exit(h.ctx, 0)

	if _, ok := child.SPT.Find(0x1000); ok {
		t.Fatalf("expected SPT entry to be gone after exit")
	}
}
