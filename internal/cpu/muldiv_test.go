package cpu

import "testing"

func TestDivSignedByZero(t *testing.T) {
	if got := divSigned(7, 0); got != -1 {
		t.Fatalf("divSigned(7,0) = %d, want -1", got)
	}
}

func TestDivSignedOverflow(t *testing.T) {
	if got := divSigned(minInt64, -1); got != minInt64 {
		t.Fatalf("divSigned(MinInt64,-1) = %d, want MinInt64", got)
	}
}

func TestDivUnsignedByZero(t *testing.T) {
	if got := divUnsigned(7, 0); got != ^uint64(0) {
		t.Fatalf("divUnsigned(7,0) = %d, want all-ones", got)
	}
}

func TestRemSignedByZeroReturnsDividend(t *testing.T) {
	if got := remSigned(42, 0); got != 42 {
		t.Fatalf("remSigned(42,0) = %d, want 42", got)
	}
}

func TestRemSignedOverflow(t *testing.T) {
	if got := remSigned(minInt64, -1); got != 0 {
		t.Fatalf("remSigned(MinInt64,-1) = %d, want 0", got)
	}
}

func TestRemUnsignedByZeroReturnsDividend(t *testing.T) {
	if got := remUnsigned(42, 0); got != 42 {
		t.Fatalf("remUnsigned(42,0) = %d, want 42", got)
	}
}

func TestMulhSignedMatchesKnownProduct(t *testing.T) {
	// -1 * -1 = 1, high word of the 128-bit product is 0.
	if got := mulhSigned(-1, -1); got != 0 {
		t.Fatalf("mulhSigned(-1,-1) = %d, want 0", got)
	}
	// MinInt64 * MinInt64 has a huge positive high word; check sign handling
	// via a smaller, hand-checkable case instead: -2 * 3 = -6, high word -1.
	if got := mulhSigned(-2, 3); got != -1 {
		t.Fatalf("mulhSigned(-2,3) = %d, want -1", got)
	}
}

func TestMulhUnsignedOverflowsIntoHighWord(t *testing.T) {
	var max uint64 = ^uint64(0)
	if got := mulhUnsigned(max, 2); got != 1 {
		t.Fatalf("mulhUnsigned(MaxUint64,2) = %d, want 1", got)
	}
}

func TestMulhSignedUnsignedMixedSign(t *testing.T) {
	// -1 (all-ones) interpreted as signed times 2 unsigned: low word wraps,
	// high word must reflect the sign-corrected product.
	if got := mulhSignedUnsigned(-1, 2); got != -1 {
		t.Fatalf("mulhSignedUnsigned(-1,2) = %d, want -1", got)
	}
}
