package features

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"

	"focusstack/internal/geometry"
)

// DefaultRatio is the Lowe ratio used for float descriptors.
const DefaultRatio = 0.7

// ErrKindMismatch is returned when two sets carry different descriptor kinds.
var ErrKindMismatch = errors.New("descriptor kinds differ")

// Correspondence pairs a query keypoint (the frame being aligned) with a
// train keypoint (the reference).
type Correspondence struct {
	Query    int
	Train    int
	Src      geometry.Point
	Dst      geometry.Point
	Distance float64
}

// MatchOptions tune Match.
type MatchOptions struct {
	// Ratio applies to float descriptors: keep a match only when the best
	// distance is below Ratio times the second best.
	Ratio float64
}

// Match pairs query descriptors with train descriptors by brute force and
// returns the survivors ordered by ascending distance. Binary sets are
// cross-checked (mutual nearest neighbours under Hamming distance); float
// sets use a 2-NN ratio test under Euclidean distance.
func Match(query, train *Set, opts MatchOptions) ([]Correspondence, error) {
	if query == nil || train == nil {
		return nil, fmt.Errorf("match: nil feature set")
	}
	if query.Kind != train.Kind {
		return nil, fmt.Errorf("match %s against %s: %w", query.Kind, train.Kind, ErrKindMismatch)
	}
	if query.Len() == 0 || train.Len() == 0 {
		return nil, nil
	}

	var out []Correspondence
	switch query.Kind {
	case KindBinary:
		out = crossCheck(query, train)
	case KindFloat:
		ratio := opts.Ratio
		if ratio <= 0 || ratio >= 1 {
			ratio = DefaultRatio
		}
		out = ratioTest(query, train, ratio)
	default:
		return nil, fmt.Errorf("match: unsupported descriptor kind %s", query.Kind)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func crossCheck(query, train *Set) []Correspondence {
	forward := make([]int, query.Len())
	fdist := make([]int, query.Len())
	for i, qd := range query.Binary {
		forward[i], fdist[i] = nearestHamming(qd, train.Binary)
	}
	backward := make([]int, train.Len())
	for j, td := range train.Binary {
		backward[j], _ = nearestHamming(td, query.Binary)
	}

	var out []Correspondence
	for i, j := range forward {
		if j < 0 || backward[j] != i {
			continue
		}
		out = append(out, newCorrespondence(query, train, i, j, float64(fdist[i])))
	}
	return out
}

// nearestHamming returns the index of the closest descriptor; ties go to the
// lowest index.
func nearestHamming(d []byte, pool [][]byte) (int, int) {
	best, bestDist := -1, math.MaxInt
	for j, p := range pool {
		if dist := hamming(d, p); dist < bestDist {
			best, bestDist = j, dist
		}
	}
	return best, bestDist
}

func hamming(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var d int
	for i := 0; i < n; i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

func ratioTest(query, train *Set, ratio float64) []Correspondence {
	var out []Correspondence
	for i, qd := range query.Float {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for j, td := range train.Float {
			d := euclidean(qd, td)
			switch {
			case d < best:
				second = best
				best, bestIdx = d, j
			case d < second:
				second = d
			}
		}
		if bestIdx < 0 {
			continue
		}
		// A lone train descriptor has no second neighbour to compare with.
		if !math.IsInf(second, 1) && !(best < ratio*second) {
			continue
		}
		out = append(out, newCorrespondence(query, train, i, bestIdx, best))
	}
	return out
}

func euclidean(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func newCorrespondence(query, train *Set, i, j int, dist float64) Correspondence {
	q, t := query.Keypoints[i], train.Keypoints[j]
	return Correspondence{
		Query:    i,
		Train:    j,
		Src:      geometry.Point{X: q.X, Y: q.Y},
		Dst:      geometry.Point{X: t.X, Y: t.Y},
		Distance: dist,
	}
}
