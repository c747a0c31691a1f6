// Command novakernel boots a simulated kernel: it wires together the
// scheduler, virtual-memory, and process-lifecycle packages into a
// single running instance and drives it through a short demo workload,
// the way pintos's kernel.c drives the system once threads/init and
// the page allocator are up.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/common/log"
	"golang.org/x/sync/errgroup"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"novaos/kernel/blockdev"
	"novaos/kernel/defs"
	"novaos/kernel/frame"
	"novaos/kernel/kstats"
	"novaos/kernel/process"
	"novaos/kernel/sched"
	"novaos/kernel/swap"
)

var (
	mlfqsOpts = kingpin.Flag("o", "kernel option (repeatable); pass 'mlfqs' to enable the MLFQ scheduler").Short('o').Strings()

	frames    = kingpin.Flag("frames", "number of physical frames in the demo pool").Default("32").Int()
	swapSlots = kingpin.Flag("swap-slots", "number of swap slots backing the demo swap device").Default("32").Int()

	// These two are accepted for command-line compatibility with the
	// original kernel's tunables but do not change scheduler behavior:
	// spec.md fixes TimeSlice and the sleep-check cadence as invariants,
	// and sched/mlfq implement them as compile-time constants.
	_ = kingpin.Flag("ticks-per-sleep-check", "informational only; sleep queue is checked every tick").Default("1").Int()
	timeSlice = kingpin.Flag("time-slice", "informational only; the scheduler's time slice is fixed at sched.TimeSlice").Default("4").Int()

	demoTicks = kingpin.Flag("ticks", "number of timer ticks to run the demo for").Default("200").Int()
)

func hasOption(opts []string, name string) bool {
	for _, o := range opts {
		if o == name {
			return true
		}
	}
	return false
}

func main() {
	kingpin.Parse()

	mlfqs := hasOption(*mlfqsOpts, "mlfqs")
	if *timeSlice != sched.TimeSlice {
		log.Warnf("--time-slice=%d ignored: the scheduler's time slice is fixed at %d", *timeSlice, sched.TimeSlice)
	}

	kstats.LogBoot(mlfqs, *frames, *swapSlots)

	stats := kstats.New()
	frameTable := frame.New(*frames)
	frameTable.SetEvictionCounter(stats.Evictions)
	dev := blockdev.NewMemory(*swapSlots * (defs.PageSize / blockdev.SectorSize))
	swapStore := swap.New(dev)
	swapStore.SetCounters(stats.SwapIns, stats.SwapOuts)
	ctx := sched.NewContext(mlfqs)
	ctx.SetContextSwitchCounter(stats.ContextSwitches)

	var fileLock sync.Mutex

	g, gctx := errgroup.WithContext(context.Background())
	done := make(chan struct{})

	g.Go(func() error {
		return runTickDriver(gctx, ctx, stats, *demoTicks, done)
	})

	g.Go(func() error {
		return runDemoWorkload(ctx, frameTable, swapStore, &fileLock, stats, done)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "novakernel: %v\n", err)
		os.Exit(1)
	}

	var buf strings.Builder
	if err := stats.DumpText(&buf); err != nil {
		fmt.Fprintf(os.Stderr, "novakernel: failed to dump stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprint(os.Stdout, buf.String())
}

// runTickDriver simulates a timer interrupt firing once per tick: it
// calls ctx.Tick(), yielding the running thread whenever a time slice
// expires, and periodically syncs the idle/kernel/user breakdown onto
// the stats collector. It stops once either the demo workload goroutine
// signals completion on done or the tick budget is exhausted.
func runTickDriver(ctx context.Context, sc *sched.Context, stats *kstats.Collector, ticks int, done <-chan struct{}) error {
	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		default:
		}

		if sc.Tick() {
			sc.Yield()
		}
		stats.Ticks.Inc()

		if i%sched.TicksPerSecond == 0 {
			idle, kernel, user := sc.Stats()
			stats.SyncTickBreakdown(idle, kernel, user)
			stats.LoadAvgPercent.Set(float64(sc.GetLoadAvg()))
		}
	}
	return nil
}

// runDemoWorkload reproduces spec.md's worked priority-donation example
// and a short process-lifecycle exercise (mmap, exit, wait), the kind
// of scripted scenario the original kernel's run-tests harness drives
// against a fresh boot. It closes done when finished so the tick driver
// can stop promptly instead of burning through its whole tick budget.
func runDemoWorkload(sc *sched.Context, frames *frame.Table, swapStore *swap.Store, fileLock *sync.Mutex, stats *kstats.Collector, done chan<- struct{}) error {
	defer close(done)

	lockA := sched.NewLock()
	low := sc.CreateThread("L", 31)
	mid := sc.CreateThread("M", 32)
	high := sc.CreateThread("H", 33)

	if !sc.TryAcquireLock(low, lockA) {
		return fmt.Errorf("novakernel: expected L to acquire the free lock")
	}
	sc.TryAcquireLock(mid, lockA)
	sc.TryAcquireLock(high, lockA)
	sc.ReleaseLock(low, lockA)

	parent := process.New(sc, frames, swapStore, fileLock, "init", sched.PriorityDefault, nil, os.Stdout)
	child := process.New(sc, frames, swapStore, fileLock, "worker", sched.PriorityDefault, parent, os.Stdout)
	parent.SPT.SetPageFaultCounter(stats.PageFaults)
	child.SPT.SetPageFaultCounter(stats.PageFaults)

	backing := &demoFile{data: make([]byte, defs.PageSize)}
	if _, err := child.Mmaps.Mmap(backing, 0x40000000, int64(defs.PageSize)); err != nil {
		return fmt.Errorf("novakernel: demo mmap failed: %w", err)
	}
	if _, err := child.SPT.HandleFault(0x40000000, 0x40000000); err != nil {
		return fmt.Errorf("novakernel: demo page-in failed: %w", err)
	}

	for sc.Current() != child.Thread {
		sc.Yield()
	}
	child.Exit(sc, 0)

	status, err := parent.Wait(sc, child.Thread.ID)
	if err != nil {
		return fmt.Errorf("novakernel: wait on demo child failed: %w", err)
	}
	fmt.Fprintf(os.Stdout, "init: reaped worker, status=%d\n", status)
	return nil
}

// demoFile is a tiny in-memory stand-in for the out-of-scope on-disk
// filesystem, used only to exercise the mmap path in the boot demo.
type demoFile struct {
	data []byte
}

func (f *demoFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.data[off:]), nil
}

func (f *demoFile) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.data[off:], p), nil
}
