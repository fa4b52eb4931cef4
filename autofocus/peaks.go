package autofocus

import (
	"sort"
)

// SurfacePeaks are the Z positions of two reflective surfaces, Top <= Bottom
type SurfacePeaks struct {
	Top    float64 `json:"top" yaml:"top"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
}

func orderedPeaks(a, b float64) SurfacePeaks {
	if b < a {
		a, b = b, a
	}
	return SurfacePeaks{Top: a, Bottom: b}
}

// Smooth returns the centered moving average of the scores with a window of
// three.  The window shrinks at the ends of the sequence.
func Smooth(samples []FocusSample) []float64 {
	n := len(samples)
	out := make([]float64, n)
	for i := range samples {
		lo, hi := i-1, i+1
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		var acc float64
		for j := lo; j <= hi; j++ {
			acc += samples[j].Score
		}
		out[i] = acc / float64(hi-lo+1)
	}
	return out
}

// Derivative returns the central difference of smoothed against the Z of the
// samples.  The end points and points with no Z spread are zero.
func Derivative(samples []FocusSample, smoothed []float64) []float64 {
	n := len(samples)
	d := make([]float64, n)
	for i := 1; i < n-1; i++ {
		dz := samples[i+1].Z - samples[i-1].Z
		if dz == 0 {
			continue
		}
		d[i] = (smoothed[i+1] - smoothed[i-1]) / dz
	}
	return d
}

// crossings finds the local maxima of the smoothed curve.  A maximum is a
// run that begins with a positive derivative and ends at the next negative
// one; zeros inside the run do not end it.  Each maximum is reported as the
// index of the highest raw score in its run.
func crossings(samples []FocusSample, d []float64) []int {
	var out []int
	start := -1
	for i := 1; i < len(d)-1; i++ {
		switch {
		case d[i] > 0 && start < 0:
			start = i
		case d[i] < 0 && start >= 0:
			best := start
			for j := start + 1; j <= i; j++ {
				if samples[j].Score > samples[best].Score {
					best = j
				}
			}
			out = append(out, best)
			start = -1
		}
	}
	return out
}

// rankByScore orders idx by raw score, descending, earliest index first on ties
func rankByScore(samples []FocusSample, idx []int) {
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := samples[idx[a]].Score, samples[idx[b]].Score
		if sa != sb {
			return sa > sb
		}
		return idx[a] < idx[b]
	})
}

// PeakIndices returns the indices of the two samples FindSurfacePeaks
// selects, in rank order.  It returns fewer than two indices only when there
// are fewer than two samples.  A trace swept toward lower Z is searched in
// reverse, so ties always go to the lower Z.
func PeakIndices(samples []FocusSample) []int {
	n := len(samples)
	if n > 1 && samples[n-1].Z < samples[0].Z {
		rev := make([]FocusSample, n)
		for i, s := range samples {
			rev[n-1-i] = s
		}
		idx := PeakIndices(rev)
		for i := range idx {
			idx[i] = n - 1 - idx[i]
		}
		return idx
	}
	switch n {
	case 0:
		return nil
	case 1:
		return []int{0}
	case 2:
		return []int{0, 1}
	}
	d := Derivative(samples, Smooth(samples))
	idx := crossings(samples, d)
	if len(idx) < 2 {
		idx = make([]int, n)
		for i := range idx {
			idx[i] = i
		}
	}
	rankByScore(samples, idx)
	return idx[:2]
}

// FindSurfacePeaks locates two focus maxima in a scan trace ordered by Z.
//
// The scores are smoothed and differentiated; positive to negative
// derivative crossings mark maxima and the two with the highest raw score are
// taken.  With fewer than two crossings the two highest raw scores are taken
// instead.  Fewer than three samples return the first and last Z.
func FindSurfacePeaks(samples []FocusSample) (SurfacePeaks, error) {
	n := len(samples)
	if n == 0 {
		return SurfacePeaks{}, ErrNoSamples
	}
	if n < 3 {
		return orderedPeaks(samples[0].Z, samples[n-1].Z), nil
	}
	idx := PeakIndices(samples)
	return orderedPeaks(samples[idx[0]].Z, samples[idx[1]].Z), nil
}
