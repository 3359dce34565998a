package stakemath

import (
	"math"
	"testing"
)

func TestExceedsAtBoundary(t *testing.T) {
	// Exactly 2/3 does not exceed 2/3.
	if Exceeds(2, 3, 2, 3) {
		t.Fatalf("2/3 must not exceed 2/3")
	}
	if !Exceeds(67, 100, 2, 3) {
		t.Fatalf("67/100 exceeds 2/3")
	}
	if Exceeds(66, 100, 2, 3) {
		t.Fatalf("66/100 does not exceed 2/3")
	}
}

func TestAtLeastAtBoundary(t *testing.T) {
	if !AtLeast(2, 3, 2, 3) {
		t.Fatalf("2/3 is at least 2/3")
	}
	if AtLeast(66, 100, 2, 3) {
		t.Fatalf("66/100 is below 2/3")
	}
}

func TestZeroTotal(t *testing.T) {
	if Exceeds(1, 0, 1, 3) || AtLeast(1, 0, 1, 3) {
		t.Fatalf("zero total must report false from both comparisons")
	}
}

func TestNoOverflowAtFullRange(t *testing.T) {
	// stake*den overflows uint64 here; the comparison must still be exact.
	max := uint64(math.MaxUint64)
	if !AtLeast(max, max, 2, 3) {
		t.Fatalf("max/max is at least 2/3")
	}
	if Exceeds(max/3, max, 19, 50) {
		t.Fatalf("a third of max does not exceed 19/50")
	}
}
