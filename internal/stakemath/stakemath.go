// Package stakemath compares stake fractions against threshold ratios
// using exact integer arithmetic. Stake is denominated in the chain's
// smallest unit, so the cross products stake*den and total*num can exceed
// 64 bits; uint256 keeps the comparison overflow-free without the rounding
// a float64 division would introduce at threshold boundaries.
package stakemath

import "github.com/holiman/uint256"

func product(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// Exceeds reports stake/total > num/den. total == 0 reports false; callers
// that treat an empty stake set as vacuously passing handle that before
// calling.
func Exceeds(stake, total, num, den uint64) bool {
	if total == 0 {
		return false
	}
	return product(stake, den).Cmp(product(total, num)) > 0
}

// AtLeast reports stake/total >= num/den, with the same total == 0
// convention as Exceeds.
func AtLeast(stake, total, num, den uint64) bool {
	if total == 0 {
		return false
	}
	return product(stake, den).Cmp(product(total, num)) >= 0
}
