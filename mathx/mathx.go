// Package mathx holds small numeric helpers shared by the stage adapters and
// the autofocus controllers.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.  A non-positive unit returns x unchanged.
func Round(x, unit float64) float64 {
	if unit <= 0 {
		return x
	}
	return math.Round(x/unit) * unit
}

// Sign returns -1, 0, or +1 according to the sign of x.  NaN yields 0.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
