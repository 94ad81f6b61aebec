package features

import (
	"math"
	"sort"

	"focusstack/internal/imaging"
)

// patchMargin keeps every keypoint far enough from the border that a
// rotated descriptor patch stays inside the image.
const patchMargin = 20

// circle is the 16-pixel Bresenham ring of radius 3 used by the FAST test.
var circle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

const fastArc = 9

// detectCorners runs FAST-9 with 3x3 non-maximum suppression, ranks the
// survivors by Harris response and keeps the strongest max of them.
func detectCorners(g *imaging.Gray, threshold, max int) []Keypoint {
	w, h := g.Width, g.Height
	if w <= 2*patchMargin || h <= 2*patchMargin {
		return nil
	}

	scores := make([]int, w*h)
	for y := patchMargin; y < h-patchMargin; y++ {
		for x := patchMargin; x < w-patchMargin; x++ {
			scores[y*w+x] = fastScore(g, x, y, threshold)
		}
	}

	var kps []Keypoint
	for y := patchMargin; y < h-patchMargin; y++ {
		for x := patchMargin; x < w-patchMargin; x++ {
			s := scores[y*w+x]
			if s == 0 || !localMax(scores, w, x, y) {
				continue
			}
			kps = append(kps, Keypoint{X: float64(x), Y: float64(y), Response: harris(g, x, y)})
		}
	}

	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })
	if len(kps) > max {
		kps = kps[:max]
	}
	return kps
}

// fastScore returns 0 when (x, y) fails the segment test, otherwise the sum
// of absolute differences over the ring pixels beyond the threshold.
func fastScore(g *imaging.Gray, x, y, t int) int {
	p := int(g.At(x, y))
	var ring [16]int
	for i, o := range circle {
		ring[i] = int(g.At(x+o[0], y+o[1]))
	}

	// Quick reject on the compass points: a 9-arc must cover at least two.
	bright, dark := 0, 0
	for _, i := range [4]int{0, 4, 8, 12} {
		if ring[i] > p+t {
			bright++
		} else if ring[i] < p-t {
			dark++
		}
	}
	if bright < 2 && dark < 2 {
		return 0
	}

	if !hasArc(ring, func(v int) bool { return v > p+t }) && !hasArc(ring, func(v int) bool { return v < p-t }) {
		return 0
	}

	var sBright, sDark int
	for _, v := range ring {
		if d := v - p - t; d > 0 {
			sBright += d
		}
		if d := p - t - v; d > 0 {
			sDark += d
		}
	}
	if sBright > sDark {
		return sBright
	}
	return sDark
}

func hasArc(ring [16]int, pass func(int) bool) bool {
	run := 0
	for i := 0; i < 16+fastArc-1; i++ {
		if pass(ring[i%16]) {
			run++
			if run >= fastArc {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// localMax keeps the first of equal neighbours in raster order so plateaus
// yield exactly one corner.
func localMax(scores []int, w, x, y int) bool {
	s := scores[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			if n > s {
				return false
			}
			if n == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// harris computes det(M) - 0.04*trace(M)² over a 7x7 window of Sobel
// gradients.
func harris(g *imaging.Gray, cx, cy int) float64 {
	const r = 3
	var a, b, c float64
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			ix, iy := sobel(g, x, y)
			a += ix * ix
			b += iy * iy
			c += ix * iy
		}
	}
	return a*b - c*c - 0.04*(a+b)*(a+b)
}

func sobel(g *imaging.Gray, x, y int) (float64, float64) {
	at := func(x, y int) float64 { return float64(g.At(x, y)) }
	ix := (at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x-1, y) + at(x-1, y+1))
	iy := (at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x, y-1) + at(x+1, y-1))
	return ix, iy
}

// centroidAngle orients a keypoint along the vector from its centre to the
// intensity centroid of a radius-15 disc.
func centroidAngle(g *imaging.Gray, kp Keypoint) float64 {
	const r = 15
	cx, cy := int(kp.X), int(kp.Y)
	var m01, m10 float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			v := float64(g.At(cx+dx, cy+dy))
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}
