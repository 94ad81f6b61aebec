package features

import (
	"math"
	"math/rand"

	"focusstack/internal/imaging"
)

const (
	briefBits   = 256
	briefRadius = 13
	briefSeed   = 0x0b51
)

// briefPattern holds the test pairs (x1, y1, x2, y2) sampled once from an
// isotropic Gaussian over the patch, clipped to briefRadius.
var briefPattern = func() [briefBits][4]float64 {
	var p [briefBits][4]float64
	rng := rand.New(rand.NewSource(briefSeed))
	sigma := 31.0 / 5.0
	for i := range p {
		for j := range p[i] {
			v := math.Round(rng.NormFloat64() * sigma)
			p[i][j] = math.Max(-briefRadius, math.Min(briefRadius, v))
		}
	}
	return p
}()

// ORB detects FAST corners, orients them by intensity centroid and
// describes them with a 256-bit rotated BRIEF string. It is the fast,
// patent-unencumbered capability.
type ORB struct {
	opts Options
}

// NewORB returns an ORB detector.
func NewORB(opts Options) *ORB {
	return &ORB{opts: opts.withDefaults()}
}

// Name implements Detector.
func (o *ORB) Name() string { return "orb" }

// Kind implements Detector.
func (o *ORB) Kind() Kind { return KindBinary }

// Detect implements Detector.
func (o *ORB) Detect(img *imaging.Gray) (*Set, error) {
	kps := detectCorners(img, o.opts.FastThreshold, o.opts.MaxFeatures)
	set := &Set{Kind: KindBinary, Keypoints: kps, Binary: make([][]byte, len(kps))}
	if len(kps) == 0 {
		return set, nil
	}
	smooth, err := imaging.KernelFilter{}.Blur(img, 5)
	if err != nil {
		return nil, err
	}
	for i := range set.Keypoints {
		kp := &set.Keypoints[i]
		kp.Angle = centroidAngle(img, *kp)
		set.Binary[i] = describeBRIEF(smooth, *kp)
	}
	return set, nil
}

func describeBRIEF(g *imaging.Gray, kp Keypoint) []byte {
	desc := make([]byte, briefBits/8)
	sin, cos := math.Sincos(kp.Angle)
	cx, cy := kp.X, kp.Y
	sample := func(x, y float64) uint8 {
		rx := cos*x - sin*y
		ry := sin*x + cos*y
		return g.At(int(math.Round(cx+rx)), int(math.Round(cy+ry)))
	}
	for i, t := range briefPattern {
		if sample(t[0], t[1]) < sample(t[2], t[3]) {
			desc[i/8] |= 1 << uint(i%8)
		}
	}
	return desc
}
