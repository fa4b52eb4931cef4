package focus

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Kernel3 is a row-major 3x3 kernel.  It is applied by correlation, the way
// OpenCV's filter2D applies kernels, not flipped.
type Kernel3 [9]float64

var (
	// SobelX is the horizontal Sobel derivative
	SobelX = Kernel3{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1}

	// SobelY is the vertical Sobel derivative
	SobelY = Kernel3{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1}

	// Laplace4 is the 4-neighbour Laplacian (OpenCV ksize=1)
	Laplace4 = Kernel3{
		0, 1, 0,
		1, -4, 1,
		0, 1, 0}

	// Diagonal is the asymmetric edge kernel of the asymmetric metric
	Diagonal = Kernel3{
		2, 1, 0,
		1, 0, -1,
		0, -1, -2}
)

// GaussianKernel3 returns the normalized 3x3 Gaussian for sigma
func GaussianKernel3(sigma float64) Kernel3 {
	side := math.Exp(-1 / (2 * sigma * sigma))
	g := [3]float64{side, 1, side}
	sum := 1 + 2*side
	var k Kernel3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			k[i*3+j] = g[i] * g[j] / (sum * sum)
		}
	}
	return k
}

// reflect101 maps an out of range index into [0, n) the way
// OpenCV's BORDER_REFLECT_101 does: gfedcb|abcdefgh|gfedcba
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// Correlate3 applies k to src and returns a new matrix of the same size
func Correlate3(src *mat.Dense, k Kernel3) *mat.Dense {
	rows, cols := src.Dims()
	raw := src.RawMatrix()
	out := make([]float64, rows*cols)
	for y := 0; y < rows; y++ {
		ym := reflect101(y-1, rows) * raw.Stride
		y0 := y * raw.Stride
		yp := reflect101(y+1, rows) * raw.Stride
		for x := 0; x < cols; x++ {
			xm := reflect101(x-1, cols)
			xp := reflect101(x+1, cols)
			d := raw.Data
			out[y*cols+x] = k[0]*d[ym+xm] + k[1]*d[ym+x] + k[2]*d[ym+xp] +
				k[3]*d[y0+xm] + k[4]*d[y0+x] + k[5]*d[y0+xp] +
				k[6]*d[yp+xm] + k[7]*d[yp+x] + k[8]*d[yp+xp]
		}
	}
	return mat.NewDense(rows, cols, out)
}

// Median3 applies a 3x3 median filter to src
func Median3(src *mat.Dense) *mat.Dense {
	rows, cols := src.Dims()
	raw := src.RawMatrix()
	out := make([]float64, rows*cols)
	var win [9]float64
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				yy := reflect101(y+dy, rows) * raw.Stride
				for dx := -1; dx <= 1; dx++ {
					win[n] = raw.Data[yy+reflect101(x+dx, cols)]
					n++
				}
			}
			s := win[:]
			sort.Float64s(s)
			out[y*cols+x] = s[4]
		}
	}
	return mat.NewDense(rows, cols, out)
}
