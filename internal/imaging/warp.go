package imaging

import (
	"fmt"
	"math"

	"focusstack/internal/geometry"
)

// Warper resamples an image through a projective transform.
type Warper interface {
	Warp(src *Image, h geometry.Homography, width, height int) (*Image, error)
}

// BilinearWarper maps every destination pixel back through h⁻¹ and samples
// the source bilinearly. Destination pixels with no source coverage stay
// black.
type BilinearWarper struct{}

// edgeSlack lets coordinates that are off-grid only by rounding noise
// still sample the border pixel.
const edgeSlack = 1e-6

// Warp implements Warper. h maps source coordinates to destination
// coordinates.
func (BilinearWarper) Warp(src *Image, h geometry.Homography, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, fmt.Errorf("invert transform: %w", err)
	}
	out := NewImage(width, height)
	if src.Width == 0 || src.Height == 0 {
		return out, nil
	}
	maxX, maxY := float64(src.Width-1), float64(src.Height-1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p, ok := inv.Apply(geometry.Point{X: float64(x), Y: float64(y)})
			if !ok {
				continue
			}
			if p.X < -edgeSlack || p.Y < -edgeSlack || p.X > maxX+edgeSlack || p.Y > maxY+edgeSlack {
				continue
			}
			sx := math.Min(math.Max(p.X, 0), maxX)
			sy := math.Min(math.Max(p.Y, 0), maxY)
			out.SetRGB(x, y, sampleBilinear(src, sx, sy))
		}
	}
	return out, nil
}

func sampleBilinear(src *Image, x, y float64) [3]uint8 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := x0+1, y0+1
	if x1 >= src.Width {
		x1 = src.Width - 1
	}
	if y1 >= src.Height {
		y1 = src.Height - 1
	}
	fx, fy := x-float64(x0), y-float64(y0)

	c00, c10 := src.RGB(x0, y0), src.RGB(x1, y0)
	c01, c11 := src.RGB(x0, y1), src.RGB(x1, y1)
	var out [3]uint8
	for ch := 0; ch < 3; ch++ {
		top := float64(c00[ch])*(1-fx) + float64(c10[ch])*fx
		bottom := float64(c01[ch])*(1-fx) + float64(c11[ch])*fx
		out[ch] = clampByte(top*(1-fy) + bottom*fy)
	}
	return out
}
