//go:build gocv

// Package cv registers OpenCV-backed detectors ("cv-orb", "cv-sift") and
// the "opencv" numeric backend (Gaussian blur, Laplacian, RANSAC homography
// and perspective warp). It is compiled only with the gocv build tag, so
// default builds need no OpenCV installation.
package cv

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"focusstack/internal/features"
	"focusstack/internal/focus"
	"focusstack/internal/imaging"
)

func init() {
	features.Register("cv-orb", func(o features.Options) (features.Detector, error) {
		return &detector{name: "cv-orb", kind: features.KindBinary, opts: o}, nil
	})
	features.Register("cv-sift", func(o features.Options) (features.Detector, error) {
		return &detector{name: "cv-sift", kind: features.KindFloat, opts: o}, nil
	})
	focus.RegisterBackend("opencv", func() focus.Capabilities {
		return focus.Capabilities{
			Solver: Solver{MaxIterations: 2000, Confidence: 0.995},
			Warper: Warper{},
			Filter: Filter{},
		}
	})
}

type detector struct {
	name string
	kind features.Kind
	opts features.Options
}

func (d *detector) Name() string        { return d.name }
func (d *detector) Kind() features.Kind { return d.kind }

func (d *detector) Detect(img *imaging.Gray) (*features.Set, error) {
	src, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8U, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("%s: wrap image: %w", d.name, err)
	}
	defer src.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	var (
		kps  []gocv.KeyPoint
		desc gocv.Mat
	)
	switch d.kind {
	case features.KindBinary:
		orb := gocv.NewORBWithParams(d.opts.MaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, d.opts.FastThreshold)
		defer orb.Close()
		kps, desc = orb.DetectAndCompute(src, mask)
	default:
		sift := gocv.NewSIFT()
		defer sift.Close()
		kps, desc = sift.DetectAndCompute(src, mask)
	}
	defer desc.Close()

	set := &features.Set{Kind: d.kind, Keypoints: make([]features.Keypoint, len(kps))}
	for i, kp := range kps {
		set.Keypoints[i] = features.Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Angle:    kp.Angle * math.Pi / 180,
			Response: kp.Response,
		}
	}
	if desc.Empty() {
		set.Keypoints = nil
		return set, nil
	}

	rows, cols := desc.Rows(), desc.Cols()
	if d.kind == features.KindBinary {
		set.Binary = make([][]byte, rows)
		for r := 0; r < rows; r++ {
			row := make([]byte, cols)
			for c := 0; c < cols; c++ {
				row[c] = desc.GetUCharAt(r, c)
			}
			set.Binary[r] = row
		}
	} else {
		set.Float = make([][]float32, rows)
		for r := 0; r < rows; r++ {
			row := make([]float32, cols)
			for c := 0; c < cols; c++ {
				row[c] = desc.GetFloatAt(r, c)
			}
			set.Float[r] = row
		}
	}
	return set, nil
}
