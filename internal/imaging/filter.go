package imaging

import (
	"errors"
	"fmt"
	"math"
)

// ErrKernelSize is returned for even or non-positive kernel sizes.
var ErrKernelSize = errors.New("kernel size must be a positive odd integer")

// Filter provides the convolution primitives used for sharpness estimation.
type Filter interface {
	Blur(src *Gray, ksize int) (*Gray, error)
	Laplacian(src *Gray, ksize int) (*Map, error)
}

// KernelFilter implements Filter with separable kernels and reflect-101
// borders. Blur keeps 8-bit precision; Laplacian runs in float64 so the
// response can exceed the input range without clipping.
type KernelFilter struct{}

// ValidKernel reports whether ksize is a positive odd integer.
func ValidKernel(ksize int) bool {
	return ksize >= 1 && ksize%2 == 1
}

// Blur applies a separable Gaussian whose sigma is derived from ksize.
func (KernelFilter) Blur(src *Gray, ksize int) (*Gray, error) {
	if !ValidKernel(ksize) {
		return nil, fmt.Errorf("blur %d: %w", ksize, ErrKernelSize)
	}
	in := make([]float64, len(src.Pix))
	for i, v := range src.Pix {
		in[i] = float64(v)
	}
	k := GaussianKernel(ksize)
	data := separable(in, src.Width, src.Height, k, k)
	out := NewGray(src.Width, src.Height)
	for i, v := range data {
		out.Pix[i] = clampByte(v)
	}
	return out, nil
}

// Laplacian returns d²/dx² + d²/dy². ksize 1 uses the 3x3 four-neighbour
// aperture; larger sizes sum second-order Sobel derivatives of that size.
func (KernelFilter) Laplacian(src *Gray, ksize int) (*Map, error) {
	if !ValidKernel(ksize) {
		return nil, fmt.Errorf("laplacian %d: %w", ksize, ErrKernelSize)
	}
	w, h := src.Width, src.Height
	out := NewMap(w, h)
	if w == 0 || h == 0 {
		return out, nil
	}
	in := make([]float64, len(src.Pix))
	for i, v := range src.Pix {
		in[i] = float64(v)
	}

	if ksize == 1 {
		for y := 0; y < h; y++ {
			up, down := reflect101(y-1, h), reflect101(y+1, h)
			for x := 0; x < w; x++ {
				left, right := reflect101(x-1, w), reflect101(x+1, w)
				c := in[y*w+x]
				out.Data[y*w+x] = in[y*w+left] + in[y*w+right] + in[up*w+x] + in[down*w+x] - 4*c
			}
		}
		return out, nil
	}

	smooth := binomial(ksize - 1)
	deriv := convolve1D(binomial(ksize-3), []float64{1, -2, 1})
	dxx := separable(in, w, h, deriv, smooth)
	dyy := separable(in, w, h, smooth, deriv)
	for i := range out.Data {
		out.Data[i] = dxx[i] + dyy[i]
	}
	return out, nil
}

// GaussianKernel returns a normalised 1D Gaussian of length ksize. Small
// sizes use the fixed binomial-like tables common to vision libraries;
// larger ones use sigma = 0.3*((ksize-1)*0.5-1)+0.8.
func GaussianKernel(ksize int) []float64 {
	switch ksize {
	case 1:
		return []float64{1}
	case 3:
		return []float64{0.25, 0.5, 0.25}
	case 5:
		return []float64{0.0625, 0.25, 0.375, 0.25, 0.0625}
	case 7:
		return []float64{0.03125, 0.109375, 0.21875, 0.28125, 0.21875, 0.109375, 0.03125}
	}
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	k := make([]float64, ksize)
	var sum float64
	half := ksize / 2
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// separable convolves rows with kx and columns with ky.
func separable(in []float64, w, h int, kx, ky []float64) []float64 {
	tmp := make([]float64, len(in))
	rx := len(kx) / 2
	for y := 0; y < h; y++ {
		row := in[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range kx {
				acc += kv * row[reflect101(x+i-rx, w)]
			}
			tmp[y*w+x] = acc
		}
	}
	out := make([]float64, len(in))
	ry := len(ky) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range ky {
				acc += kv * tmp[reflect101(y+i-ry, h)*w+x]
			}
			out[y*w+x] = acc
		}
	}
	return out
}

// binomial returns row n of Pascal's triangle.
func binomial(n int) []float64 {
	row := []float64{1}
	for i := 0; i < n; i++ {
		row = convolve1D(row, []float64{1, 1})
	}
	return row
}

func convolve1D(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, av := range a {
		for j, bv := range b {
			out[i+j] += av * bv
		}
	}
	return out
}

// reflect101 mirrors out-of-range indices without repeating the edge
// sample: -1 -> 1, n -> n-2.
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

func clampByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
