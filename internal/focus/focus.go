// Package focus implements the pure focus-score algorithms named by
// spec.md §4.D, each a pure function over an image buffer. The
// teacher's autofocus sweep (original_source's multipoint.py,
// mean(square(Laplacian(img)))) grounds laplacian_variance; the other
// three are standard complements selected once per run via QC
// configuration.
package focus

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Compute dispatches to the configured algorithm.
func Compute(method types.FocusScoreMethod, img *types.CapturedImage) float64 {
	switch method {
	case types.FocusNormalizedVariance:
		return NormalizedVariance(img)
	case types.FocusGradientMagnitude:
		return GradientMagnitude(img)
	case types.FocusFFTHighFreq:
		return FFTHighFreq(img)
	default:
		return LaplacianVariance(img)
	}
}

// toFloats reads the image into a row-major float64 grid once, shared
// by every algorithm below.
func toFloats(img *types.CapturedImage) [][]float64 {
	g := make([][]float64, img.Height)
	for y := 0; y < img.Height; y++ {
		row := make([]float64, img.Width)
		for x := 0; x < img.Width; x++ {
			row[x] = img.At(x, y)
		}
		g[y] = row
	}
	return g
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func variance(vals []float64, m float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(vals))
}

// LaplacianVariance returns the variance of the discrete Laplacian of
// the image (a standard four-neighbor stencil), a sharpness proxy: a
// sharp image has a high-variance, noisy-looking Laplacian, a blurred
// one a flat one.
func LaplacianVariance(img *types.CapturedImage) float64 {
	g := toFloats(img)
	w, h := img.Width, img.Height
	if w < 3 || h < 3 {
		return 0
	}

	lap := make([]float64, 0, (w-2)*(h-2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			center := g[y][x]
			v := g[y-1][x] + g[y+1][x] + g[y][x-1] + g[y][x+1] - 4*center
			lap = append(lap, v)
		}
	}

	m := mean(lap)
	return variance(lap, m)
}

// NormalizedVariance returns the image variance divided by its mean,
// defined as 0 when the mean is 0 (spec.md §4.D).
func NormalizedVariance(img *types.CapturedImage) float64 {
	vals := flatten(img)
	m := mean(vals)
	if m == 0 {
		return 0
	}
	return variance(vals, m) / m
}

func flatten(img *types.CapturedImage) []float64 {
	vals := make([]float64, 0, img.Width*img.Height)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			vals = append(vals, img.At(x, y))
		}
	}
	return vals
}

// GradientMagnitude returns the mean of sqrt(gx^2 + gy^2), where gx, gy
// are first-order Sobel derivatives (spec.md §4.D).
func GradientMagnitude(img *types.CapturedImage) float64 {
	g := toFloats(img)
	w, h := img.Width, img.Height
	if w < 3 || h < 3 {
		return 0
	}

	sobelX := [3][3]float64{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	sobelY := [3][3]float64{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}

	var sum float64
	var n int
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var gx, gy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					v := g[y+dy][x+dx]
					gx += sobelX[dy+1][dx+1] * v
					gy += sobelY[dy+1][dx+1] * v
				}
			}
			sum += math.Sqrt(gx*gx + gy*gy)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FFTHighFreq returns the mean magnitude of the 2D FFT after zeroing a
// centered low-frequency square of side min(h,w)/8 (spec.md §4.D). The
// 2D transform is computed as separable 1D FFTs (rows, then columns)
// via gonum's dsp/fourier, the FFT library wired in from the rest of
// the retrieval pack (banshee-data-velocity.report requires
// gonum.org/v1/gonum directly).
func FFTHighFreq(img *types.CapturedImage) float64 {
	g := toFloats(img)
	w, h := img.Width, img.Height
	if w == 0 || h == 0 {
		return 0
	}

	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	grid := make([][]complex128, h)
	for y := 0; y < h; y++ {
		row := make([]complex128, w)
		for x := 0; x < w; x++ {
			row[x] = complex(g[y][x], 0)
		}
		grid[y] = rowFFT.Coefficients(nil, row)
	}

	transformed := make([][]complex128, h)
	for x := 0; x < w; x++ {
		col := make([]complex128, h)
		for y := 0; y < h; y++ {
			col[y] = grid[y][x]
		}
		col = colFFT.Coefficients(nil, col)
		for y := 0; y < h; y++ {
			if transformed[y] == nil {
				transformed[y] = make([]complex128, w)
			}
			transformed[y][x] = col[y]
		}
	}

	// gonum's Coefficients returns the unshifted spectrum: index 0 is DC
	// and index N/2 is the Nyquist (highest) frequency in each
	// dimension, so the low frequencies sit at the corners, not the
	// center. Shift DC to the center before zeroing a centered square,
	// so the square removed is actually low-frequency content and the
	// mean kept is the high-frequency energy the function name promises.
	shifted := fftshift(transformed, h, w)

	side := minInt(h, w) / 8
	cy, cx := h/2, w/2

	var sum float64
	var n int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if inCenterSquare(y, x, cy, cx, side) {
				continue
			}
			sum += cmplxAbs(shifted[y][x])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// fftshift swaps quadrants so the zero-frequency (DC) component moves
// from grid[0][0] to the center of the h x w grid, matching the
// conventional layout spec.md §4.D describes ("a centered
// low-frequency square").
func fftshift(grid [][]complex128, h, w int) [][]complex128 {
	shifted := make([][]complex128, h)
	for y := 0; y < h; y++ {
		shifted[y] = make([]complex128, w)
		sy := (y + h/2) % h
		for x := 0; x < w; x++ {
			sx := (x + w/2) % w
			shifted[y][x] = grid[sy][sx]
		}
	}
	return shifted
}

func inCenterSquare(y, x, cy, cx, side int) bool {
	half := side / 2
	return y >= cy-half && y < cy-half+side && x >= cx-half && x < cx-half+side
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
