package autofocus

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RefinePeak fits a parabola by least squares to the samples within
// halfWidth indices of peak and returns the Z of its vertex.  The vertex is
// clamped to the Z range of the fitted samples.  When the fit is not concave
// or is degenerate the sample's own Z is returned.
func RefinePeak(samples []FocusSample, peak, halfWidth int) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	if peak < 0 || peak >= len(samples) {
		return 0, fmt.Errorf("%w: peak index %d of %d samples", ErrInvalidParameter, peak, len(samples))
	}
	if halfWidth < 1 {
		halfWidth = 1
	}
	lo, hi := peak-halfWidth, peak+halfWidth
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples)-1 {
		hi = len(samples) - 1
	}
	z0 := samples[peak].Z
	n := hi - lo + 1
	if n < 3 {
		return z0, nil
	}

	// centre on the peak to keep the normal equations well conditioned
	a := mat.NewDense(n, 3, nil)
	b := mat.NewDense(n, 1, nil)
	zmin, zmax := samples[lo].Z, samples[lo].Z
	for i := 0; i < n; i++ {
		s := samples[lo+i]
		dz := s.Z - z0
		a.Set(i, 0, 1)
		a.Set(i, 1, dz)
		a.Set(i, 2, dz*dz)
		b.Set(i, 0, s.Score)
		if s.Z < zmin {
			zmin = s.Z
		}
		if s.Z > zmax {
			zmax = s.Z
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var x mat.Dense
	if err := qr.SolveTo(&x, false, b); err != nil {
		return z0, nil
	}
	c1, c2 := x.At(1, 0), x.At(2, 0)
	if !(c2 < 0) {
		return z0, nil
	}
	z := z0 - c1/(2*c2)
	if z < zmin {
		z = zmin
	}
	if z > zmax {
		z = zmax
	}
	return z, nil
}

// RefineSurfacePeaks refines both peaks of FindSurfacePeaks with RefinePeak
func RefineSurfacePeaks(samples []FocusSample, halfWidth int) (SurfacePeaks, error) {
	n := len(samples)
	if n == 0 {
		return SurfacePeaks{}, ErrNoSamples
	}
	if n < 3 {
		return orderedPeaks(samples[0].Z, samples[n-1].Z), nil
	}
	idx := PeakIndices(samples)
	top, err := RefinePeak(samples, idx[0], halfWidth)
	if err != nil {
		return SurfacePeaks{}, err
	}
	bottom, err := RefinePeak(samples, idx[1], halfWidth)
	if err != nil {
		return SurfacePeaks{}, err
	}
	return orderedPeaks(top, bottom), nil
}
