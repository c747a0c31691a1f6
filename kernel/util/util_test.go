package util

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("expected Min(3,5) == 3")
	}
	if Max(3, 5) != 5 {
		t.Fatalf("expected Max(3,5) == 5")
	}
}

func TestClamp(t *testing.T) {
	if Clamp(100, 0, 63) != 63 {
		t.Fatalf("expected clamp to high bound")
	}
	if Clamp(-5, 0, 63) != 0 {
		t.Fatalf("expected clamp to low bound")
	}
	if Clamp(31, 0, 63) != 31 {
		t.Fatalf("expected in-range value unchanged")
	}
}

func TestRoundupRounddown(t *testing.T) {
	if Rounddown(4097, 4096) != 4096 {
		t.Fatalf("expected rounddown to page boundary")
	}
	if Roundup(4097, 4096) != 8192 {
		t.Fatalf("expected roundup to next page boundary")
	}
	if Roundup(4096, 4096) != 4096 {
		t.Fatalf("expected roundup of an already-aligned value to be a no-op")
	}
}
