// Package sched implements the preemptive priority scheduler described
// in spec.md §4.F: the ready queue, sleep queue, priority donation,
// and the timer-tick bookkeeping that drives MLFQ mode (package mlfq
// layers its per-tick formulas on top of the hooks this package
// exposes).
package sched

import (
	"container/list"
	"sync"

	"novaos/kernel/defs"
	"novaos/kernel/fixedpoint"
	"novaos/kernel/mlfq"
)

// Status is a thread's lifecycle state.
type Status int

const (
	Ready Status = iota
	Running
	Blocked
	Dying
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Priority and nice bounds, and the constants governing preemption and
// donation depth, taken from spec.md §4.F/§4.G.
const (
	PriorityMin     = 0
	PriorityMax     = 63
	PriorityDefault = 31
	NiceMin         = -20
	NiceMax         = 20
	NiceDefault     = 0

	TimeSlice      = 4
	donationDepth  = 8
	TicksPerSecond = 100

	threadMagic = 0xcd6abf4b
)

// Thread is one schedulable task: spec.md §3's "Thread". The original
// kernel's source folds user-process state (exit status, parent/child
// links, the one-shot semaphores) directly into the thread struct
// rather than a separate process type, and this keeps the same shape;
// package process layers fd tables and the SPT/mmap registry on top.
type Thread struct {
	ID   defs.Tid_t
	Name string

	Status       Status
	Priority     int // effective priority, recomputed on donation/mlfq events
	BasePriority int
	Nice         int
	RecentCPU    fixedpoint.Fp_t
	IsUser       bool

	WaitingLock *Lock
	donations   []*Thread

	WakeTick int64

	Parent     *Thread
	Children   []*Thread
	ExitStatus int
	LoadOK     bool
	SemaLoad   *Semaphore
	SemaWait   *Semaphore
	SemaExit   *Semaphore

	magic uint32
}

// CheckMagic panics if the thread's stack-overflow sentinel has been
// clobbered, mirroring the original kernel's THREAD_MAGIC assertion in
// is_thread().
func (t *Thread) CheckMagic() {
	if t.magic != threadMagic {
		panic("sched: thread magic corrupted, stack overflow suspected")
	}
}

// Semaphore is a counting semaphore whose waiters are served in
// priority order, so sema_up always wakes the highest-priority
// blocked thread.
type Semaphore struct {
	value   int
	waiters []*Thread
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(value int) *Semaphore {
	return &Semaphore{value: value}
}

// Lock is a mutual-exclusion lock with priority-donation support.
type Lock struct {
	holder *Thread
	sema   *Semaphore
}

// NewLock creates an unheld lock.
func NewLock() *Lock {
	return &Lock{sema: NewSemaphore(1)}
}

// Holder returns the lock's current holder, or nil if unheld.
func (l *Lock) Holder() *Thread { return l.holder }

// Counter is satisfied by prometheus.Counter, so this package can report
// real context switches to a kstats.Collector without importing the
// prometheus client itself.
type Counter interface {
	Inc()
}

// Context is the scheduler's global state. A single mutex stands in
// for spec.md §5's "all context switches occur with interrupts off":
// there is no real preemption across goroutines here, so one lock
// held for the duration of each public operation gives the same
// atomicity the original kernel gets from disabling interrupts.
type Context struct {
	mu sync.Mutex

	ready *list.List // of *Thread, ordered by decreasing effective priority
	sleep []*Thread

	all     []*Thread
	idle    *Thread
	current *Thread

	contextSwitches Counter

	nextTid defs.Tid_t
	tidMu   sync.Mutex

	threadTicks uint
	totalTicks  int64
	idleTicks   int64
	kernelTicks int64
	userTicks   int64

	mlfqs   bool
	loadAvg fixedpoint.Fp_t
}

// NewContext creates a scheduler with the bootstrap thread "main"
// already Running (standing in for thread_init()'s conversion of the
// calling execution context into a thread) and a dedicated idle
// thread that never enters the ready queue; nextToRunLocked falls back to
// it whenever the queue is empty, per next_thread_to_run().
func NewContext(mlfqs bool) *Context {
	c := &Context{ready: list.New(), mlfqs: mlfqs}

	c.idle = &Thread{
		Name: "idle", Status: Blocked,
		Priority: PriorityMin, BasePriority: PriorityMin,
		magic: threadMagic,
	}

	main := &Thread{
		ID: c.allocateTid(), Name: "main",
		Status: Running, Priority: PriorityDefault, BasePriority: PriorityDefault,
		magic: threadMagic,
	}
	c.all = append(c.all, main)
	c.current = main
	return c
}

func (c *Context) allocateTid() defs.Tid_t {
	c.tidMu.Lock()
	defer c.tidMu.Unlock()
	c.nextTid++
	return c.nextTid
}

// Idle returns the scheduler's idle thread.
func (c *Context) Idle() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Current returns whichever thread the scheduler considers running.
func (c *Context) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AllThreads returns every live (non-idle) thread, for MLFQ's
// every-tick/-second sweeps and for thread_foreach-style debugging.
func (c *Context) AllThreads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Thread, len(c.all))
	copy(out, c.all)
	return out
}

// CreateThread creates a new thread at the given base priority and
// places it straight on the ready queue, mirroring thread_create's
// call to thread_unblock followed by a preemption check.
func (c *Context) CreateThread(name string, priority int) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Thread{
		ID: c.allocateTid(), Name: name,
		Status: Blocked, Priority: priority, BasePriority: priority,
		magic: threadMagic,
	}
	c.all = append(c.all, t)
	c.unblockLocked(t)
	c.checkPreemptLocked()
	return t
}

func (c *Context) insertReadyLocked(t *Thread) {
	for e := c.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(*Thread).Priority < t.Priority {
			c.ready.InsertBefore(t, e)
			return
		}
	}
	c.ready.PushBack(t)
}

func (c *Context) unblockLocked(t *Thread) {
	t.Status = Ready
	c.insertReadyLocked(t)
}

// Unblock transitions a blocked thread to ready, ordered-inserted by
// effective priority. It does not itself preempt the running thread.
func (c *Context) Unblock(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unblockLocked(t)
}

func (c *Context) nextToRunLocked() *Thread {
	if c.ready.Len() == 0 {
		return c.idle
	}
	e := c.ready.Front()
	c.ready.Remove(e)
	return e.Value.(*Thread)
}

func (c *Context) scheduleLocked() {
	prev := c.current
	next := c.nextToRunLocked()
	next.CheckMagic()
	c.current = next
	next.Status = Running
	c.threadTicks = 0
	if next != prev && c.contextSwitches != nil {
		c.contextSwitches.Inc()
	}
}

// SetContextSwitchCounter wires c to be incremented once per time the
// scheduler actually switches the running thread. Passing nil (the
// default) disables the instrumentation.
func (c *Context) SetContextSwitchCounter(counter Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contextSwitches = counter
}

// Block marks the current thread Blocked and schedules another thread
// in its place. Exit, not Block, is the path for a dying thread.
func (c *Context) Block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.CheckMagic()
	c.current.Status = Blocked
	c.scheduleLocked()
}

// Yield gives up the CPU without blocking: the current thread (unless
// it is idle) goes back on the ready queue, ordered by priority.
func (c *Context) Yield() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur != c.idle {
		cur.Status = Ready
		c.insertReadyLocked(cur)
	}
	c.scheduleLocked()
}

// Exit transitions the running thread to Dying, removes it from the
// all-threads list, and schedules another thread. The process-level
// semantics (semaphore posting, fd/SPT/mmap teardown) are package
// process's responsibility, layered on top of this primitive.
func (c *Context) Exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	for i, t := range c.all {
		if t == cur {
			c.all = append(c.all[:i], c.all[i+1:]...)
			break
		}
	}
	cur.Status = Dying
	c.scheduleLocked()
}

// checkPreemptLocked yields immediately if a ready thread now outranks
// the running one — check_priority_switch's non-interrupt-context
// branch, which every non-tick call site in this package uses.
func (c *Context) checkPreemptLocked() {
	if c.ready.Len() == 0 {
		return
	}
	head := c.ready.Front().Value.(*Thread)
	if c.current != c.idle && c.current.Priority >= head.Priority {
		return
	}
	cur := c.current
	if cur != c.idle {
		cur.Status = Ready
		c.insertReadyLocked(cur)
	}
	c.scheduleLocked()
}

// Tick runs the timer interrupt handler's bookkeeping: tallies
// idle/kernel/user ticks, runs the MLFQ recomputation if enabled, and
// reports whether the time slice has expired (the caller is
// responsible for actually yielding on interrupt return, since that
// happens outside the scheduler's own lock in a real kernel).
func (c *Context) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.current == c.idle:
		c.idleTicks++
	case c.current.IsUser:
		c.userTicks++
	default:
		c.kernelTicks++
	}

	if c.mlfqs {
		c.mlfqsTickLocked()
	}

	c.threadTicks++
	return c.threadTicks >= TimeSlice
}

// Stats returns the idle/kernel/user tick counters, mirroring
// thread_print_stats.
func (c *Context) Stats() (idle, kernel, user int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleTicks, c.kernelTicks, c.userTicks
}

// SetPriority sets t's base priority and recomputes its effective
// priority from residual donations, then checks for preemption. A
// no-op under MLFQ, where set_priority is disabled.
func (c *Context) SetPriority(t *Thread, newPriority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mlfqs {
		return
	}
	t.BasePriority = newPriority
	c.recalculatePriorityLocked(t)
	c.checkPreemptLocked()
}

func (c *Context) recalculatePriorityLocked(t *Thread) {
	t.Priority = t.BasePriority
	for _, d := range t.donations {
		if d.Priority > t.Priority {
			t.Priority = d.Priority
		}
	}
}

// SetNice sets t's MLFQ nice value, immediately recomputing its
// priority from it, and checks for preemption if t isn't idle.
func (c *Context) SetNice(t *Thread, nice int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Nice = nice
	c.recomputePriorityLocked(t)
	if t != c.idle {
		c.checkPreemptLocked()
	}
}

// Sleep blocks the current thread until at least wakeTick. The idle
// thread must never sleep.
func (c *Context) Sleep(wakeTick int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == c.idle {
		panic("sched: idle thread must never sleep")
	}
	cur := c.current
	cur.WakeTick = wakeTick
	c.sleep = append(c.sleep, cur)
	cur.Status = Blocked
	c.scheduleLocked()
}

// Awake unblocks every sleeping thread whose wake tick has arrived.
// Called by the timer tick handler.
func (c *Context) Awake(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.sleep[:0]
	for _, t := range c.sleep {
		if t.WakeTick <= now {
			c.unblockLocked(t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.sleep = remaining
}

func (c *Context) donateChainLocked(from *Thread) {
	cur := from
	for i := 0; i < donationDepth; i++ {
		if cur.WaitingLock == nil {
			return
		}
		holder := cur.WaitingLock.holder
		if holder == nil {
			return
		}
		if holder.Priority < cur.Priority {
			holder.Priority = cur.Priority
		}
		cur = holder
	}
}

// removeFromReadyLocked drops t from the ready list if present. Called
// before blocking a thread that was not necessarily the one running
// (spec.md's donation examples describe threads other than the
// current one blocking on a lock), so the ready list never holds a
// thread whose Status says Blocked.
func (c *Context) removeFromReadyLocked(t *Thread) {
	for e := c.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(*Thread) == t {
			c.ready.Remove(e)
			return
		}
	}
}

func (c *Context) popHighestWaiterLocked(s *Semaphore) *Thread {
	best := 0
	for i, w := range s.waiters {
		if w.Priority > s.waiters[best].Priority {
			best = i
		}
	}
	t := s.waiters[best]
	s.waiters = append(s.waiters[:best], s.waiters[best+1:]...)
	return t
}

// TryAcquireLock attempts to acquire l on behalf of t (the caller
// passes Current() for real dispatch). If free, t becomes the holder
// immediately and this returns true. If held, t donates its priority
// up the chain (to depth 8) and registers as a blocked waiter on l's
// semaphore; this returns false, scheduling away from t if it was the
// running thread.
func (c *Context) TryAcquireLock(t *Thread, l *Lock) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.holder == nil {
		l.holder = t
		return true
	}

	t.WaitingLock = l
	l.holder.donations = append(l.holder.donations, t)
	c.donateChainLocked(t)

	c.removeFromReadyLocked(t)
	t.Status = Blocked
	l.sema.waiters = append(l.sema.waiters, t)
	if t == c.current {
		c.scheduleLocked()
	}
	return false
}

// ReleaseLock releases l, held by t: strips the donations that were
// waiting on this lock from t's donation list, recomputes t's
// effective priority from what remains, hands the lock to the
// highest-priority waiter (if any, unblocking it), and checks for
// preemption.
func (c *Context) ReleaseLock(t *Thread, l *Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := t.donations[:0]
	for _, d := range t.donations {
		if d.WaitingLock != l {
			kept = append(kept, d)
		}
	}
	t.donations = kept
	c.recalculatePriorityLocked(t)

	if len(l.sema.waiters) == 0 {
		l.holder = nil
	} else {
		next := c.popHighestWaiterLocked(l.sema)
		next.WaitingLock = nil
		l.holder = next
		c.unblockLocked(next)
	}
	c.checkPreemptLocked()
}

// SemaDown decrements s, blocking t if it is already zero. Used
// directly, without donation, by the one-shot load/wait/exit
// semaphores in package process.
func (c *Context) SemaDown(t *Thread, s *Semaphore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.value > 0 {
		s.value--
		return
	}
	c.removeFromReadyLocked(t)
	t.Status = Blocked
	s.waiters = append(s.waiters, t)
	if t == c.current {
		c.scheduleLocked()
	}
}

// SemaUp increments s, waking its highest-priority waiter if any.
func (c *Context) SemaUp(s *Semaphore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(s.waiters) == 0 {
		s.value++
		return
	}
	t := c.popHighestWaiterLocked(s)
	c.unblockLocked(t)
	c.checkPreemptLocked()
}

// mlfqsTickLocked runs the MLFQ per-tick, per-second, and every-4-tick
// recomputations described in spec.md §4.G.
func (c *Context) mlfqsTickLocked() {
	c.totalTicks++
	if c.current != c.idle {
		c.current.RecentCPU = mlfq.TickRecentCPU(c.current.RecentCPU)
	}
	if c.totalTicks%TicksPerSecond == 0 {
		c.recomputeLoadAvgLocked()
		for _, t := range c.all {
			c.recomputeRecentCPULocked(t)
		}
	}
	if c.totalTicks%4 == 0 {
		for _, t := range c.all {
			c.recomputePriorityLocked(t)
		}
		c.reorderReadyLocked()
	}
}

func (c *Context) recomputeLoadAvgLocked() {
	readyThreads := c.ready.Len()
	if c.current != c.idle {
		readyThreads++
	}
	c.loadAvg = mlfq.NextLoadAvg(c.loadAvg, readyThreads)
}

func (c *Context) recomputeRecentCPULocked(t *Thread) {
	if t == c.idle {
		return
	}
	t.RecentCPU = mlfq.NextRecentCPU(t.RecentCPU, c.loadAvg, t.Nice)
}

func (c *Context) recomputePriorityLocked(t *Thread) {
	if t == c.idle {
		return
	}
	t.Priority = mlfq.NextPriority(t.RecentCPU, t.Nice)
}

func (c *Context) reorderReadyLocked() {
	var threads []*Thread
	for e := c.ready.Front(); e != nil; {
		next := e.Next()
		threads = append(threads, e.Value.(*Thread))
		c.ready.Remove(e)
		e = next
	}
	for _, t := range threads {
		c.insertReadyLocked(t)
	}
}

// GetLoadAvg returns 100 times the system load average, rounded to
// the nearest integer.
func (c *Context) GetLoadAvg() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mlfq.LoadAvgPercent(c.loadAvg)
}

// GetRecentCPU returns 100 times t's recent_cpu, rounded to the
// nearest integer.
func (c *Context) GetRecentCPU(t *Thread) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mlfq.RecentCPUPercent(t.RecentCPU)
}
