/*Package focus computes scalar sharpness scores from camera frames.

Every metric scores a centered region of interest sized by a crop ratio and
returns a non-negative number that grows with image high-frequency content.
A score of exactly zero means the frame could not be scored; in that case the
returned error says why, and callers are expected to log it and carry on with
the zero.

Scores from different metrics are not comparable with each other.
*/
package focus

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/Simscop/DenseLight/camera"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidFrame is generated when the frame is nil or empty
	ErrInvalidFrame = errors.New("invalid frame provided for focus score calculation")

	// ErrInvalidCrop is generated when the crop ratio produces a degenerate region of interest
	ErrInvalidCrop = errors.New("invalid crop parameters")

	// ErrNonFinite is generated when a metric produced NaN or Inf
	ErrNonFinite = errors.New("focus score is not finite")

	// ErrUnknownMetric is generated when New is called with an unregistered metric name
	ErrUnknownMetric = errors.New("unknown focus metric")
)

// Scorer computes a sharpness score for the central cropRatio portion of a frame
type Scorer interface {
	Score(f *camera.Frame, cropRatio float64) (float64, error)
}

// ScorerFunc adapts an ordinary function to the Scorer interface
type ScorerFunc func(*camera.Frame, float64) (float64, error)

// Score calls fn(f, cropRatio)
func (fn ScorerFunc) Score(f *camera.Frame, cropRatio float64) (float64, error) {
	return fn(f, cropRatio)
}

// Metric names a sharpness metric
type Metric string

const (
	// Gradient is the Gaussian-blurred Sobel gradient energy, the default
	Gradient Metric = "gradient"

	// Laplacian is the variance of the Laplacian response
	Laplacian Metric = "laplacian"

	// Asymmetric is the median-blurred diagonal kernel energy
	Asymmetric Metric = "asymmetric"

	// OpenCV is the gradient energy computed with OpenCV; only present in builds with the gocv tag
	OpenCV Metric = "opencv"
)

var (
	regMu    sync.RWMutex
	registry = map[Metric]func() Scorer{
		Gradient:   func() Scorer { return GradientEnergy{Sigma: DefaultSigma} },
		Laplacian:  func() Scorer { return LaplacianVariance{} },
		Asymmetric: func() Scorer { return AsymmetricKernel{} },
	}
)

// Register makes a metric available to New.  Registering a name twice replaces it.
func Register(m Metric, maker func() Scorer) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[m] = maker
}

// Metrics returns the registered metric names, sorted
func Metrics() []Metric {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Metric, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New returns the scorer for a metric name.  The empty name selects Gradient.
func New(m Metric) (Scorer, error) {
	if m == "" {
		m = Gradient
	}
	regMu.RLock()
	maker, ok := registry[m]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, string(m))
	}
	return maker(), nil
}

// ROI computes the centered region of interest for a frame and crop ratio.
// The offsets must be strictly positive, so a ratio of 1 is rejected.
func ROI(width, height int, cropRatio float64) (image.Rectangle, error) {
	if !(cropRatio > 0 && cropRatio <= 1) {
		return image.Rectangle{}, fmt.Errorf("%w: ratio %v", ErrInvalidCrop, cropRatio)
	}
	w := int(float64(width) * cropRatio)
	h := int(float64(height) * cropRatio)
	x0 := (width - w) / 2
	y0 := (height - h) / 2
	if w <= 0 || h <= 0 || x0 <= 0 || y0 <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: ratio %v gives %dx%d at (%d, %d)", ErrInvalidCrop, cropRatio, w, h, x0, y0)
	}
	return image.Rect(x0, y0, x0+w, y0+h), nil
}

// Crop validates the frame and returns the luminance of its region of interest
func Crop(f *camera.Frame, cropRatio float64) (*mat.Dense, error) {
	if f.Empty() {
		return nil, ErrInvalidFrame
	}
	r, err := ROI(f.Width, f.Height, cropRatio)
	if err != nil {
		return nil, err
	}
	lum := f.Luminance()
	w, h := r.Dx(), r.Dy()
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := (r.Min.Y + y) * f.Width
		copy(data[y*w:(y+1)*w], lum[row+r.Min.X:row+r.Max.X])
	}
	return mat.NewDense(h, w, data), nil
}

// finite turns NaN/Inf into the zero score with ErrNonFinite
func finite(score float64) (float64, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, ErrNonFinite
	}
	if score < 0 {
		return 0, nil
	}
	return score, nil
}
