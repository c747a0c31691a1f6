// Package mlfq implements the multi-level-feedback-queue accounting
// formulas of spec.md §4.G, in fixed-point, exactly as the original
// kernel's thread.c implements them (mlfqs_update_load_average,
// mlfqs_update_cpu_time, mlfqs_update_priority). Package sched calls
// these on every tick/second/4-tick boundary; keeping the formulas
// here, free of any scheduler state, makes them directly testable
// against the constants spec.md's worked examples use.
package mlfq

import (
	"novaos/kernel/fixedpoint"
	"novaos/kernel/util"
)

// Priority and nice bounds mirror sched's, duplicated here (rather
// than imported) so this package has no dependency on the scheduler.
const (
	PriorityMin = 0
	PriorityMax = 63
	NiceMin     = -20
	NiceMax     = 20
)

// NextLoadAvg computes load_avg ← (59/60)·load_avg + (1/60)·readyCount,
// where readyCount is the number of ready threads plus one if the
// current thread is not idle.
func NextLoadAvg(loadAvg fixedpoint.Fp_t, readyCount int) fixedpoint.Fp_t {
	fiftyNineSixtieths := fixedpoint.Div(fixedpoint.FromInt(59), fixedpoint.FromInt(60))
	oneSixtieth := fixedpoint.Div(fixedpoint.FromInt(1), fixedpoint.FromInt(60))
	return fixedpoint.Add(
		fixedpoint.Mul(fiftyNineSixtieths, loadAvg),
		fixedpoint.MulInt(oneSixtieth, readyCount),
	)
}

// NextRecentCPU computes
// recent_cpu ← (2·load_avg)/(2·load_avg+1)·recent_cpu + nice.
func NextRecentCPU(recentCPU, loadAvg fixedpoint.Fp_t, nice int) fixedpoint.Fp_t {
	twiceLoad := fixedpoint.MulInt(loadAvg, 2)
	denom := fixedpoint.AddInt(twiceLoad, 1)
	coeff := fixedpoint.Div(twiceLoad, denom)
	return fixedpoint.AddInt(fixedpoint.Mul(coeff, recentCPU), nice)
}

// NextPriority computes priority ← PRI_MAX − recent_cpu/4 − nice·2,
// clamped to [PRI_MIN, PRI_MAX].
func NextPriority(recentCPU fixedpoint.Fp_t, nice int) int {
	p := PriorityMax - fixedpoint.ToIntRound(fixedpoint.DivInt(recentCPU, 4)) - nice*2
	return util.Clamp(p, PriorityMin, PriorityMax)
}

// TickRecentCPU returns recentCPU+1, the every-tick increment applied
// to the running (non-idle) thread.
func TickRecentCPU(recentCPU fixedpoint.Fp_t) fixedpoint.Fp_t {
	return fixedpoint.AddInt(recentCPU, 1)
}

// LoadAvgPercent and RecentCPUPercent return 100x the value, rounded
// to the nearest integer, for thread_get_load_avg/thread_get_recent_cpu.
func LoadAvgPercent(loadAvg fixedpoint.Fp_t) int {
	return fixedpoint.ToIntRound(fixedpoint.MulInt(loadAvg, 100))
}

func RecentCPUPercent(recentCPU fixedpoint.Fp_t) int {
	return fixedpoint.ToIntRound(fixedpoint.MulInt(recentCPU, 100))
}
