package kstats

import (
	"bytes"
	"strings"
	"testing"
)

func TestCountersIncrement(t *testing.T) {
	c := New()
	c.Ticks.Inc()
	c.Ticks.Inc()
	c.PageFaults.Inc()

	var buf bytes.Buffer
	if err := c.DumpText(&buf); err != nil {
		t.Fatalf("DumpText failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "novaos_sched_ticks_total 2") {
		t.Fatalf("expected ticks_total to read 2, got:\n%s", out)
	}
	if !strings.Contains(out, "novaos_vm_page_faults_total 1") {
		t.Fatalf("expected page_faults_total to read 1, got:\n%s", out)
	}
}

func TestSyncTickBreakdown(t *testing.T) {
	c := New()
	c.SyncTickBreakdown(10, 20, 30)

	var buf bytes.Buffer
	if err := c.DumpText(&buf); err != nil {
		t.Fatalf("DumpText failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"novaos_sched_idle_ticks 10",
		"novaos_sched_kernel_ticks 20",
		"novaos_sched_user_ticks 30",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	var buf bytes.Buffer
	samples := map[string]int64{"page_fault": 3, "eviction": 1}
	if err := WriteProfile(&buf, "samples", samples); err != nil {
		t.Fatalf("WriteProfile failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a non-empty profile")
	}
}
