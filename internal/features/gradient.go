package features

import (
	"math"

	"focusstack/internal/imaging"
)

const (
	gradCells   = 4
	gradBins    = 8
	gradWindow  = 16
	gradClip    = 0.2
	gradDescLen = gradCells * gradCells * gradBins
)

// Gradient describes FAST corners with a 128-float histogram of oriented
// gradients (4x4 cells, 8 bins) measured relative to the keypoint
// orientation. Slower than ORB but far more distinctive; matched with an
// L2 ratio test.
type Gradient struct {
	opts Options
}

// NewGradient returns a gradient-histogram detector.
func NewGradient(opts Options) *Gradient {
	return &Gradient{opts: opts.withDefaults()}
}

// Name implements Detector.
func (d *Gradient) Name() string { return "gradient" }

// Kind implements Detector.
func (d *Gradient) Kind() Kind { return KindFloat }

// Detect implements Detector.
func (d *Gradient) Detect(img *imaging.Gray) (*Set, error) {
	kps := detectCorners(img, d.opts.FastThreshold, d.opts.MaxFeatures)
	set := &Set{Kind: KindFloat, Keypoints: kps, Float: make([][]float32, len(kps))}
	if len(kps) == 0 {
		return set, nil
	}
	smooth, err := imaging.KernelFilter{}.Blur(img, 3)
	if err != nil {
		return nil, err
	}
	for i := range set.Keypoints {
		kp := &set.Keypoints[i]
		kp.Angle = centroidAngle(img, *kp)
		set.Float[i] = describeGradient(smooth, *kp)
	}
	return set, nil
}

func describeGradient(g *imaging.Gray, kp Keypoint) []float32 {
	var hist [gradDescLen]float64
	sin, cos := math.Sincos(kp.Angle)
	half := float64(gradWindow) / 2
	sigma := half
	cellSize := float64(gradWindow) / gradCells

	for v := 0; v < gradWindow; v++ {
		for u := 0; u < gradWindow; u++ {
			// Patch coordinates centred on the keypoint, rotated into the image.
			px := float64(u) - half + 0.5
			py := float64(v) - half + 0.5
			ix := int(math.Round(kp.X + cos*px - sin*py))
			iy := int(math.Round(kp.Y + sin*px + cos*py))

			gx, gy := sobel(g, ix, iy)
			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			theta := math.Atan2(gy, gx) - kp.Angle
			for theta < 0 {
				theta += 2 * math.Pi
			}
			for theta >= 2*math.Pi {
				theta -= 2 * math.Pi
			}
			bin := int(theta / (2 * math.Pi) * gradBins)
			if bin >= gradBins {
				bin = gradBins - 1
			}
			weight := math.Exp(-(px*px + py*py) / (2 * sigma * sigma))
			cx := int(float64(u) / cellSize)
			cy := int(float64(v) / cellSize)
			hist[(cy*gradCells+cx)*gradBins+bin] += mag * weight
		}
	}

	normalize(hist[:])
	for i := range hist {
		if hist[i] > gradClip {
			hist[i] = gradClip
		}
	}
	normalize(hist[:])

	out := make([]float32, gradDescLen)
	for i, v := range hist {
		out[i] = float32(v)
	}
	return out
}

func normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
}
