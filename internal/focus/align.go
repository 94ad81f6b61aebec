package focus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"focusstack/internal/features"
	"focusstack/internal/geometry"
	"focusstack/internal/imaging"
)

// FrameTransform records how one input frame was mapped onto the reference.
type FrameTransform struct {
	Index      int
	Homography geometry.Homography
	Matches    int
	Inliers    int
	Skipped    bool
	Err        error
}

// Alignment is the output of Aligner.Align. Frames holds the aligned images
// that survived, in input order, all sized like the reference. Sources maps
// each entry of Frames back to its input index. Transforms has one entry per
// input frame.
type Alignment struct {
	Frames     []*imaging.Image
	Sources    []int
	Transforms []FrameTransform
}

// Skipped returns the input indices dropped under PolicySkip.
func (a *Alignment) Skipped() []int {
	var out []int
	for _, t := range a.Transforms {
		if t.Skipped {
			out = append(out, t.Index)
		}
	}
	return out
}

// Aligner registers every frame of a stack onto frame 0.
type Aligner struct {
	detector   features.Detector
	solver     geometry.Solver
	warper     imaging.Warper
	ratio      float64
	reproj     float64
	maxMatches int
	policy     FailurePolicy
	workers    int
	log        *slog.Logger
}

func newAligner(opts Options, caps Capabilities, logger *slog.Logger) *Aligner {
	return &Aligner{
		detector:   caps.Detector,
		solver:     caps.Solver,
		warper:     caps.Warper,
		ratio:      opts.RatioThreshold,
		reproj:     opts.ReprojThreshold,
		maxMatches: opts.MaxMatches,
		policy:     opts.FailurePolicy,
		workers:    opts.Workers,
		log:        logger,
	}
}

type refFeatures struct {
	img           *imaging.Image
	set           *features.Set
	width, height int
}

// Align returns the reference unchanged plus every other frame warped into
// the reference coordinate system. Frames are processed concurrently; the
// output order always follows the input order.
func (a *Aligner) Align(ctx context.Context, frames []*imaging.Image) (*Alignment, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyStack
	}
	ref := frames[0]
	refSet, err := a.detector.Detect(ref.Gray())
	if err != nil {
		return nil, collaborator("align", a.detector.Name(), err)
	}
	a.log.Debug("reference features", "detector", a.detector.Name(), "keypoints", refSet.Len())
	rf := refFeatures{img: ref, set: refSet, width: ref.Width, height: ref.Height}

	aligned := make([]*imaging.Image, len(frames))
	transforms := make([]FrameTransform, len(frames))
	errs := make([]error, len(frames))
	aligned[0] = ref
	transforms[0] = FrameTransform{Index: 0, Homography: geometry.Identity(), Matches: refSet.Len(), Inliers: refSet.Len()}

	g, gctx := errgroup.WithContext(ctx)
	if a.workers > 0 {
		g.SetLimit(a.workers)
	}
	for i := 1; i < len(frames); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, tr, err := a.alignFrame(i, frames[i], rf)
			transforms[i] = tr
			if err != nil {
				errs[i] = err
				if a.policy == PolicySkip {
					a.log.Warn("skipping frame", "frame", i, "error", err)
					transforms[i].Skipped = true
					transforms[i].Err = err
					return nil
				}
				return err
			}
			aligned[i] = img
			a.log.Debug("frame aligned", "frame", i, "matches", tr.Matches, "inliers", tr.Inliers)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Report the lowest-index genuine failure rather than a cancellation
		// it caused in a sibling.
		for _, e := range errs {
			if e != nil && !errors.Is(e, context.Canceled) {
				return nil, e
			}
		}
		return nil, err
	}

	out := &Alignment{Transforms: transforms}
	for i, img := range aligned {
		if img == nil {
			continue
		}
		out.Frames = append(out.Frames, img)
		out.Sources = append(out.Sources, i)
	}
	return out, nil
}

func (a *Aligner) alignFrame(index int, frame *imaging.Image, ref refFeatures) (*imaging.Image, FrameTransform, error) {
	tr := FrameTransform{Index: index}
	// A pixel-identical frame needs no estimation and must not drift.
	if frame.SameSize(ref.img) && bytes.Equal(frame.Pix, ref.img.Pix) {
		tr.Homography = geometry.Identity()
		return frame.Clone(), tr, nil
	}
	fail := func(err error) (*imaging.Image, FrameTransform, error) {
		return nil, tr, &FrameError{Index: index, Matches: tr.Matches, Err: err}
	}

	set, err := a.detector.Detect(frame.Gray())
	if err != nil {
		return fail(collaborator("align", a.detector.Name(), err))
	}
	matches, err := features.Match(set, ref.set, features.MatchOptions{Ratio: a.ratio})
	if err != nil {
		return fail(collaborator("align", "matcher", err))
	}
	if len(matches) > a.maxMatches {
		matches = matches[:a.maxMatches]
	}
	tr.Matches = len(matches)
	if len(matches) < geometry.MinCorrespondences {
		return fail(ErrInsufficientCorrespondence)
	}

	src := make([]geometry.Point, len(matches))
	dst := make([]geometry.Point, len(matches))
	for i, m := range matches {
		src[i], dst[i] = m.Src, m.Dst
	}
	est, err := a.solver.Estimate(src, dst, a.reproj)
	if err != nil {
		return fail(collaborator("align", "solver", err))
	}
	tr.Homography = est.H
	tr.Inliers = est.InlierCount

	warped, err := a.warper.Warp(frame, est.H, ref.width, ref.height)
	if err != nil {
		return fail(collaborator("align", "warper", err))
	}
	if warped.Width != ref.width || warped.Height != ref.height {
		return fail(ErrDimensionMismatch)
	}
	return warped, tr, nil
}
