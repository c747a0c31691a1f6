package fixedpoint

import "testing"

func TestRoundTrip(t *testing.T) {
	for n := -100; n <= 100; n++ {
		got := ToIntRound(FromInt(n))
		if got != n {
			t.Fatalf("ToIntRound(FromInt(%d)) = %d", n, got)
		}
	}
}

func TestTruncVsRound(t *testing.T) {
	// 59/60 of FromInt(1), truncated, is 0; rounded, is 1 since the
	// fractional part is > half.
	x := Div(FromInt(59), FromInt(60))
	if ToIntTrunc(x) != 0 {
		t.Fatalf("ToIntTrunc(59/60) = %d, want 0", ToIntTrunc(x))
	}
	if ToIntRound(x) != 1 {
		t.Fatalf("ToIntRound(59/60) = %d, want 1", ToIntRound(x))
	}
}

func TestAddCommutes(t *testing.T) {
	a := FromInt(7)
	b := Div(FromInt(1), FromInt(3))
	if Add(a, b) != Add(b, a) {
		t.Fatalf("addition does not commute")
	}
}

func TestMulDivApproxInverse(t *testing.T) {
	a := FromInt(17)
	b := FromInt(5)
	got := Div(Mul(a, b), b)
	diff := int(got - a)
	if diff < -1 || diff > 1 {
		t.Fatalf("(a*b)/b = %v, want within 1 ulp of %v", got, a)
	}
}

func TestNegativeRounding(t *testing.T) {
	if ToIntRound(FromInt(-5)) != -5 {
		t.Fatalf("negative round-trip broke")
	}
}
