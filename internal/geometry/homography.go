package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrSingular is returned when a homography cannot be inverted.
var ErrSingular = errors.New("homography is singular")

// Point is a subpixel image coordinate.
type Point struct {
	X, Y float64
}

// Homography is a row-major 3x3 projective transform mapping source
// coordinates to destination coordinates.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Apply maps p through h. ok is false when p lands on the line at infinity.
func (h Homography) Apply(p Point) (Point, bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return Point{}, false
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, true
}

// Normalize scales h so that h[8] == 1 when possible.
func (h Homography) Normalize() Homography {
	if math.Abs(h[8]) < 1e-12 {
		return h
	}
	s := h[8]
	for i := range h {
		h[i] /= s
	}
	return h
}

// Mul returns h * o (o is applied first).
func (h Homography) Mul(o Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var acc float64
			for k := 0; k < 3; k++ {
				acc += h[i*3+k] * o[k*3+j]
			}
			r[i*3+j] = acc
		}
	}
	return r
}

// Inverse returns h⁻¹ via the adjugate.
func (h Homography) Inverse() (Homography, error) {
	a, b, c := h[0], h[1], h[2]
	d, e, f := h[3], h[4], h[5]
	g, k, l := h[6], h[7], h[8]

	co00 := e*l - f*k
	co01 := -(d*l - f*g)
	co02 := d*k - e*g
	det := a*co00 + b*co01 + c*co02
	if math.Abs(det) < 1e-12 {
		return Homography{}, ErrSingular
	}
	inv := Homography{
		co00, -(b*l - c*k), b*f - c*e,
		co01, a*l - c*g, -(a*f - c*d),
		co02, -(a*k - b*g), a*e - b*d,
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv.Normalize(), nil
}

// IsIdentity reports whether every element of the normalised matrix is
// within tol of the identity.
func (h Homography) IsIdentity(tol float64) bool {
	n := h.Normalize()
	id := Identity()
	for i := range n {
		if math.Abs(n[i]-id[i]) > tol {
			return false
		}
	}
	return true
}

// ReprojectionError returns the distance between h(src) and dst.
func (h Homography) ReprojectionError(src, dst Point) float64 {
	p, ok := h.Apply(src)
	if !ok {
		return math.Inf(1)
	}
	return math.Hypot(p.X-dst.X, p.Y-dst.Y)
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}
