package geometry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the number of point pairs a projective fit needs.
const MinCorrespondences = 4

var (
	// ErrTooFewPoints means fewer than MinCorrespondences pairs were given.
	ErrTooFewPoints = errors.New("at least 4 point pairs are required")
	// ErrDegenerate means the point configuration does not constrain a homography.
	ErrDegenerate = errors.New("degenerate point configuration")
)

// Estimate is a fitted transform plus its inlier mask.
type Estimate struct {
	H           Homography
	Inliers     []bool
	InlierCount int
}

// Solver fits a projective transform to noisy correspondences.
type Solver interface {
	Estimate(src, dst []Point, threshold float64) (Estimate, error)
}

// RANSAC is a robust Solver: random minimal samples, inlier consensus by
// reprojection error, then a least-squares refit on the consensus set.
// A fixed Seed keeps runs reproducible.
type RANSAC struct {
	MaxIterations int
	Confidence    float64
	Seed          int64
}

// NewRANSAC returns a solver with the usual defaults.
func NewRANSAC() *RANSAC {
	return &RANSAC{MaxIterations: 2000, Confidence: 0.995, Seed: 1}
}

// Estimate implements Solver.
func (r *RANSAC) Estimate(src, dst []Point, threshold float64) (Estimate, error) {
	if len(src) != len(dst) {
		return Estimate{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < MinCorrespondences {
		return Estimate{}, ErrTooFewPoints
	}
	if threshold <= 0 {
		return Estimate{}, fmt.Errorf("reprojection threshold must be positive, got %g", threshold)
	}

	maxIter := r.MaxIterations
	if maxIter <= 0 {
		maxIter = 2000
	}
	confidence := r.Confidence
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.995
	}
	rng := rand.New(rand.NewSource(r.Seed))

	var (
		best      Homography
		bestMask  []bool
		bestCount int
		bestErr   = math.Inf(1)
		found     bool
	)

	sampleSrc := make([]Point, MinCorrespondences)
	sampleDst := make([]Point, MinCorrespondences)
	iterations := maxIter
	for it := 0; it < iterations; it++ {
		idx := sampleIndices(rng, n)
		for i, j := range idx {
			sampleSrc[i], sampleDst[i] = src[j], dst[j]
		}
		if collinearAny(sampleSrc) || collinearAny(sampleDst) {
			continue
		}
		h, err := DLT(sampleSrc, sampleDst)
		if err != nil {
			continue
		}
		mask, count, total := consensus(h, src, dst, threshold)
		if count > bestCount || (count == bestCount && count > 0 && total < bestErr) {
			best, bestMask, bestCount, bestErr = h, mask, count, total
			found = true
			iterations = adaptiveIterations(count, n, confidence, maxIter)
		}
	}
	if !found || bestCount < MinCorrespondences {
		return Estimate{}, ErrDegenerate
	}

	inSrc, inDst := selectInliers(src, dst, bestMask)
	if refined, err := DLT(inSrc, inDst); err == nil {
		mask, count, total := consensus(refined, src, dst, threshold)
		if count > bestCount || (count == bestCount && total <= bestErr) {
			best, bestMask, bestCount = refined, mask, count
		}
	}
	return Estimate{H: best.Normalize(), Inliers: bestMask, InlierCount: bestCount}, nil
}

// DLT fits a homography to four or more pairs with Hartley normalisation.
// With more than four pairs the result is the algebraic least-squares fit.
func DLT(src, dst []Point) (Homography, error) {
	n := len(src)
	if n != len(dst) {
		return Homography{}, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < MinCorrespondences {
		return Homography{}, ErrTooFewPoints
	}
	ts, ok := normalizer(src)
	if !ok {
		return Homography{}, ErrDegenerate
	}
	td, ok := normalizer(dst)
	if !ok {
		return Homography{}, ErrDegenerate
	}

	rows := 2 * n
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		s, _ := ts.Apply(src[i])
		d, _ := td.Apply(dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Homography{}, ErrDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}
	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, ErrDegenerate
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[8]) < 1e-12 {
		return Homography{}, ErrDegenerate
	}
	return h.Normalize(), nil
}

// normalizer translates the centroid to the origin and scales the mean
// distance to sqrt(2).
func normalizer(pts []Point) (Homography, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(pts))
	if mean < 1e-12 {
		return Homography{}, false
	}
	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, true
}

func consensus(h Homography, src, dst []Point, threshold float64) ([]bool, int, float64) {
	mask := make([]bool, len(src))
	var count int
	var total float64
	for i := range src {
		e := h.ReprojectionError(src[i], dst[i])
		if e <= threshold {
			mask[i] = true
			count++
			total += e
		}
	}
	return mask, count, total
}

func selectInliers(src, dst []Point, mask []bool) ([]Point, []Point) {
	var s, d []Point
	for i, ok := range mask {
		if ok {
			s = append(s, src[i])
			d = append(d, dst[i])
		}
	}
	return s, d
}

func sampleIndices(rng *rand.Rand, n int) [MinCorrespondences]int {
	var idx [MinCorrespondences]int
	for i := 0; i < MinCorrespondences; {
		j := rng.Intn(n)
		dup := false
		for k := 0; k < i; k++ {
			if idx[k] == j {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = j
			i++
		}
	}
	return idx
}

// collinearAny reports whether any three of the points are (nearly) collinear.
func collinearAny(pts []Point) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				a, b, c := pts[i], pts[j], pts[k]
				cross := (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
				scale := math.Hypot(b.X-a.X, b.Y-a.Y) * math.Hypot(c.X-a.X, c.Y-a.Y)
				if math.Abs(cross) <= 1e-9*math.Max(scale, 1) {
					return true
				}
			}
		}
	}
	return false
}

func adaptiveIterations(inliers, n int, confidence float64, maxIter int) int {
	w := float64(inliers) / float64(n)
	if w >= 1 {
		return 0
	}
	denom := math.Log(1 - math.Pow(w, MinCorrespondences))
	if denom >= 0 || math.IsNaN(denom) {
		return maxIter
	}
	k := math.Ceil(math.Log(1-confidence) / denom)
	if k < 0 || k > float64(maxIter) {
		return maxIter
	}
	return int(k)
}
