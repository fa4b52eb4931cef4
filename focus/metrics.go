package focus

import (
	"github.com/Simscop/DenseLight/camera"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultSigma is the Gaussian pre-blur used by GradientEnergy
const DefaultSigma = 0.8

// GradientEnergy blurs the ROI with a 3x3 Gaussian to suppress sensor noise,
// then sums the squared Sobel gradient magnitude over every pixel.
type GradientEnergy struct {
	// Sigma is the Gaussian standard deviation in pixels; zero uses DefaultSigma
	Sigma float64
}

// Score implements Scorer
func (g GradientEnergy) Score(f *camera.Frame, cropRatio float64) (float64, error) {
	roi, err := Crop(f, cropRatio)
	if err != nil {
		return 0, err
	}
	sigma := g.Sigma
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	blurred := Correlate3(roi, GaussianKernel3(sigma))
	gx := Correlate3(blurred, SobelX).RawMatrix().Data
	gy := Correlate3(blurred, SobelY).RawMatrix().Data
	return finite(floats.Dot(gx, gx) + floats.Dot(gy, gy))
}

// LaplacianVariance scores the population variance of the Laplacian response
// of the ROI, the square of the standard deviation OpenCV's MeanStdDev reports
type LaplacianVariance struct{}

// Score implements Scorer
func (LaplacianVariance) Score(f *camera.Frame, cropRatio float64) (float64, error) {
	roi, err := Crop(f, cropRatio)
	if err != nil {
		return 0, err
	}
	lap := Correlate3(roi, Laplace4).RawMatrix().Data
	if len(lap) < 2 {
		return 0, ErrInvalidCrop
	}
	return finite(stat.PopVariance(lap, nil))
}

// AsymmetricKernel median-filters the ROI and sums the squared response of
// the Diagonal kernel.  The kernel only responds to edges along one diagonal
// family, so it is sensitive to the orientation of the target.
type AsymmetricKernel struct{}

// Score implements Scorer
func (AsymmetricKernel) Score(f *camera.Frame, cropRatio float64) (float64, error) {
	roi, err := Crop(f, cropRatio)
	if err != nil {
		return 0, err
	}
	resp := Correlate3(Median3(roi), Diagonal).RawMatrix().Data
	return finite(floats.Dot(resp, resp))
}
