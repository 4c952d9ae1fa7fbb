package optimize

import "math"

// TargetFill is the fill rate a modulus 9 rebuild aims for.
const TargetFill = 0.9

// IsAlreadyOptimized reports whether every bucket size shared by more than
// one bucket is a multiple of round(capacity*TargetFill), which is what a
// previous modulus 9 rebuild leaves behind.
func IsAlreadyOptimized(d Distribution, capacity int) bool {
	target := int(math.Round(float64(capacity) * TargetFill))
	if target <= 0 {
		return false
	}
	for size, count := range d {
		if count > 1 && size%target != 0 {
			return false
		}
	}
	return true
}
