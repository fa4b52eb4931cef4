// Package util contains misc internal utilities.
package util

// Limiter is a software limit on an axis.  A zero Limiter admits everything.
type Limiter struct {
	// Min is the minimum allowed position
	Min float64 `json:"min" yaml:"Min"`

	// Max is the maximum allowed position
	Max float64 `json:"max" yaml:"Max"`
}

// Check returns true if Min <= f <= Max, or if the limiter is unset
func (l Limiter) Check(f float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return f >= l.Min && f <= l.Max
}

// Clamp restricts input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}
