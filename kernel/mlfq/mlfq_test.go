package mlfq

import (
	"testing"

	"novaos/kernel/fixedpoint"
)

func TestNextLoadAvgAllIdle(t *testing.T) {
	got := NextLoadAvg(0, 0)
	if got != 0 {
		t.Fatalf("expected load_avg to stay 0 with no ready threads, got %v", got)
	}
}

func TestNextLoadAvgOneReadyThread(t *testing.T) {
	got := NextLoadAvg(0, 1)
	want := fixedpoint.Div(fixedpoint.FromInt(1), fixedpoint.FromInt(60))
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNextPriorityClampsToBounds(t *testing.T) {
	if p := NextPriority(fixedpoint.FromInt(1000), 0); p != PriorityMin {
		t.Fatalf("expected clamp to PriorityMin, got %d", p)
	}
	if p := NextPriority(fixedpoint.FromInt(-1000), -20); p != PriorityMax {
		t.Fatalf("expected clamp to PriorityMax, got %d", p)
	}
}

func TestNextPriorityZeroCPUZeroNice(t *testing.T) {
	if p := NextPriority(0, 0); p != PriorityMax {
		t.Fatalf("a thread with no recent CPU and nice 0 should sit at PRI_MAX, got %d", p)
	}
}

func TestTickRecentCPUIncrements(t *testing.T) {
	got := TickRecentCPU(fixedpoint.FromInt(5))
	want := fixedpoint.FromInt(6)
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRecentCPUPercentRounds(t *testing.T) {
	// 1.5 in fixed point, x100 = 150.
	half := fixedpoint.Div(fixedpoint.FromInt(3), fixedpoint.FromInt(2))
	if got := RecentCPUPercent(half); got != 150 {
		t.Fatalf("got %d want 150", got)
	}
}

func TestLoadAvgPercentZero(t *testing.T) {
	if got := LoadAvgPercent(0); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}
