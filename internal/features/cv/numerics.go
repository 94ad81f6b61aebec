//go:build gocv

package cv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"focusstack/internal/geometry"
	"focusstack/internal/imaging"
)

// Filter implements imaging.Filter with cv::GaussianBlur (sigma derived
// from the kernel size) and cv::Laplacian into CV_64F. Both use the
// reflect-101 border.
type Filter struct{}

// Blur implements imaging.Filter.
func (Filter) Blur(src *imaging.Gray, ksize int) (*imaging.Gray, error) {
	if !imaging.ValidKernel(ksize) {
		return nil, fmt.Errorf("blur %d: %w", ksize, imaging.ErrKernelSize)
	}
	in, err := gocv.NewMatFromBytes(src.Height, src.Width, gocv.MatTypeCV8U, src.Pix)
	if err != nil {
		return nil, fmt.Errorf("blur: wrap image: %w", err)
	}
	defer in.Close()
	out := gocv.NewMat()
	defer out.Close()

	if err := gocv.GaussianBlur(in, &out, image.Pt(ksize, ksize), 0, 0, gocv.BorderReflect101); err != nil {
		return nil, fmt.Errorf("blur: %w", err)
	}
	g := imaging.NewGray(src.Width, src.Height)
	copy(g.Pix, out.ToBytes())
	return g, nil
}

// Laplacian implements imaging.Filter.
func (Filter) Laplacian(src *imaging.Gray, ksize int) (*imaging.Map, error) {
	if !imaging.ValidKernel(ksize) {
		return nil, fmt.Errorf("laplacian %d: %w", ksize, imaging.ErrKernelSize)
	}
	in, err := gocv.NewMatFromBytes(src.Height, src.Width, gocv.MatTypeCV8U, src.Pix)
	if err != nil {
		return nil, fmt.Errorf("laplacian: wrap image: %w", err)
	}
	defer in.Close()
	out := gocv.NewMat()
	defer out.Close()

	if err := gocv.Laplacian(in, &out, gocv.MatTypeCV64F, ksize, 1, 0, gocv.BorderReflect101); err != nil {
		return nil, fmt.Errorf("laplacian: %w", err)
	}
	data, err := out.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("laplacian: read result: %w", err)
	}
	m := imaging.NewMap(src.Width, src.Height)
	copy(m.Data, data)
	return m, nil
}

// Solver implements geometry.Solver with cv::findHomography (RANSAC).
type Solver struct {
	MaxIterations int
	Confidence    float64
}

// Estimate implements geometry.Solver.
func (s Solver) Estimate(src, dst []geometry.Point, threshold float64) (geometry.Estimate, error) {
	if len(src) != len(dst) {
		return geometry.Estimate{}, fmt.Errorf("findHomography: %d source points, %d destination points", len(src), len(dst))
	}
	if len(src) < geometry.MinCorrespondences {
		return geometry.Estimate{}, geometry.ErrTooFewPoints
	}
	sm := pointsMat(src)
	defer sm.Close()
	dm := pointsMat(dst)
	defer dm.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	h := gocv.FindHomography(sm, &dm, gocv.HomographyMethodRANSAC, threshold, &mask, s.MaxIterations, s.Confidence)
	defer h.Close()
	if h.Empty() {
		return geometry.Estimate{}, geometry.ErrDegenerate
	}

	est := geometry.Estimate{Inliers: make([]bool, len(src))}
	for i := range est.H {
		est.H[i] = h.GetDoubleAt(i/3, i%3)
	}
	for i := range src {
		if mask.GetUCharAt(i, 0) != 0 {
			est.Inliers[i] = true
			est.InlierCount++
		}
	}
	return est, nil
}

func pointsMat(pts []geometry.Point) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV64F)
	for i, p := range pts {
		m.SetDoubleAt(i, 0, p.X)
		m.SetDoubleAt(i, 1, p.Y)
	}
	return m
}

// Warper implements imaging.Warper with cv::warpPerspective, bilinear
// sampling and a black constant border.
type Warper struct{}

// Warp implements imaging.Warper.
func (Warper) Warp(src *imaging.Image, h geometry.Homography, width, height int) (*imaging.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	in, err := gocv.NewMatFromBytes(src.Height, src.Width, gocv.MatTypeCV8UC3, src.Pix)
	if err != nil {
		return nil, fmt.Errorf("warp: wrap image: %w", err)
	}
	defer in.Close()
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for i, v := range h {
		m.SetDoubleAt(i/3, i%3, v)
	}
	out := gocv.NewMat()
	defer out.Close()

	if err := gocv.WarpPerspectiveWithParams(in, &out, m, image.Pt(width, height), gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{}); err != nil {
		return nil, fmt.Errorf("warp: %w", err)
	}
	img := imaging.NewImage(width, height)
	copy(img.Pix, out.ToBytes())
	return img, nil
}
