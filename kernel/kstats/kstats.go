// Package kstats implements the statistics and profiling export devices
// the spec's defs package reserves (defs.D_STAT, defs.D_PROF) but leaves
// unimplemented: counters and gauges for scheduler/VM activity, and a
// pprof profile dump, so a running kernel can be observed the way the
// teacher's own services are.
package kstats

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/log"
)

// Collector owns every counter/gauge this kernel exports, registered on
// its own registry rather than the global default one, so a boot
// harness can run more than one kernel instance in a process (tests do
// exactly this).
type Collector struct {
	registry *prometheus.Registry

	Ticks           prometheus.Counter
	ContextSwitches prometheus.Counter
	PageFaults      prometheus.Counter
	Evictions       prometheus.Counter
	SwapIns         prometheus.Counter
	SwapOuts        prometheus.Counter
	LoadAvgPercent  prometheus.Gauge
	IdleTicks       prometheus.Gauge
	KernelTicks     prometheus.Gauge
	UserTicks       prometheus.Gauge
}

// New creates a Collector with every metric registered under the
// "novaos" namespace.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "ticks_total",
			Help: "Timer ticks the scheduler has processed.",
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "context_switches_total",
			Help: "Times the scheduler has switched the running thread.",
		}),
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "vm", Name: "page_faults_total",
			Help: "Page faults handled by the supplemental page table.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "vm", Name: "evictions_total",
			Help: "Frames reclaimed by the clock eviction algorithm.",
		}),
		SwapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "swap", Name: "swap_ins_total",
			Help: "Pages read back in from the swap store.",
		}),
		SwapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novaos", Subsystem: "swap", Name: "swap_outs_total",
			Help: "Pages written out to the swap store.",
		}),
		LoadAvgPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "load_avg_percent",
			Help: "MLFQ load average, times 100.",
		}),
		IdleTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "idle_ticks",
			Help: "Ticks spent running the idle thread.",
		}),
		KernelTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "kernel_ticks",
			Help: "Ticks spent running kernel threads.",
		}),
		UserTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "novaos", Subsystem: "sched", Name: "user_ticks",
			Help: "Ticks spent running user threads.",
		}),
	}

	reg.MustRegister(
		c.Ticks, c.ContextSwitches, c.PageFaults, c.Evictions,
		c.SwapIns, c.SwapOuts, c.LoadAvgPercent, c.IdleTicks,
		c.KernelTicks, c.UserTicks,
	)
	return c
}

// DumpText writes every registered metric in the Prometheus text
// exposition format, satisfying defs.D_STAT without standing up a real
// HTTP listener (out of scope per spec.md §1).
func (c *Collector) DumpText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// SyncTickBreakdown copies a scheduler's idle/kernel/user tick counts
// onto the corresponding gauges.
func (c *Collector) SyncTickBreakdown(idle, kernel, user int64) {
	c.IdleTicks.Set(float64(idle))
	c.KernelTicks.Set(float64(kernel))
	c.UserTicks.Set(float64(user))
}

// LogBoot logs a structured boot-time message the way the pack's own
// services announce their startup configuration.
func LogBoot(mlfqs bool, frames, swapSlots int) {
	log.Infof("novaos kernel booting: mlfqs=%v frames=%d swap_slots=%d", mlfqs, frames, swapSlots)
}

// LogEviction logs a frame-eviction warning; these are routine under
// memory pressure, not errors, so they go out at debug level.
func LogEviction(addr uintptr, dirty bool) {
	log.Debugf("evicting frame backing %#x (dirty=%v)", addr, dirty)
}

// LogSwapExhausted logs the fatal swap-exhaustion condition spec.md §7
// calls out as a kernel panic.
func LogSwapExhausted() {
	log.Errorf("swap store exhausted, no free slots remain")
}

// WriteProfile writes a minimal pprof-format profile capturing the
// sample counts given, satisfying defs.D_PROF. Real per-goroutine CPU
// profiling is out of scope (there is no concurrent execution to
// sample in this simulation); what's exported instead is a one-shot
// profile of the given per-name counts, under sampleType, that a caller
// can feed to the standard pprof tool.
func WriteProfile(w io.Writer, sampleType string, samples map[string]int64) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleType, Unit: "count"}},
		TimeNanos:  time.Now().UnixNano(),
	}

	functions := make(map[string]*profile.Function, len(samples))
	nextID := uint64(1)
	for name, count := range samples {
		fn := &profile.Function{ID: nextID, Name: name}
		nextID++
		functions[name] = fn
		prof.Function = append(prof.Function, fn)

		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		prof.Location = append(prof.Location, loc)

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
		})
	}

	return prof.Write(w)
}
