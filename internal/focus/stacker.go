// Package focus merges a stack of differently-focused photographs of the
// same scene into one image that is sharp everywhere. A run aligns every
// frame onto frame 0, measures per-pixel sharpness and picks each output
// pixel from the sharpest frame.
package focus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"focusstack/internal/imaging"
)

// Result is the outcome of a Stack run.
type Result struct {
	Image     *imaging.Image
	Alignment *Alignment
	Winners   *WinnerMap
	// Contributions counts the pixels won by each surviving frame, indexed
	// like Alignment.Frames.
	Contributions []int
}

// Stacker owns an immutable configuration and its collaborators. It is safe
// for concurrent use by multiple runs.
type Stacker struct {
	opts    Options
	aligner *Aligner
	mapper  *SharpnessMapper
	dumper  Dumper
	log     *slog.Logger
}

// New validates opts, fills unset capabilities with the built-in ones and
// returns a ready Stacker.
func New(opts Options, caps Capabilities, logger *slog.Logger) (*Stacker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyAbort
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stacking options: %w", err)
	}
	caps, err := caps.withDefaults(opts)
	if err != nil {
		return nil, err
	}
	return &Stacker{
		opts:    opts,
		aligner: newAligner(opts, caps, logger),
		mapper:  newSharpnessMapper(opts, caps, logger),
		dumper:  caps.Dumper,
		log:     logger,
	}, nil
}

// Options returns the configuration the Stacker was built with.
func (s *Stacker) Options() Options { return s.opts }

// Align runs only the alignment stage.
func (s *Stacker) Align(ctx context.Context, frames []*imaging.Image) (*Alignment, error) {
	return s.aligner.Align(ctx, frames)
}

// Sharpness runs only the sharpness stage on already aligned frames.
func (s *Stacker) Sharpness(ctx context.Context, frames []*imaging.Image) ([]*imaging.Map, error) {
	if err := checkUniform(frames); err != nil {
		return nil, err
	}
	return s.mapper.Compute(ctx, frames)
}

// Stack aligns, measures and composites frames. Frame 0 is the reference;
// the output has its dimensions. No partial result is returned on error.
func (s *Stacker) Stack(ctx context.Context, frames []*imaging.Image) (*Result, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyStack
	}
	start := time.Now()
	s.log.Info("aligning images", "frames", len(frames), "reference", frames[0].Size())
	al, err := s.aligner.Align(ctx, frames)
	if err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	if skipped := al.Skipped(); len(skipped) > 0 {
		s.log.Warn("frames dropped from stack", "skipped", skipped, "remaining", len(al.Frames))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.log.Info("computing sharpness maps", "frames", len(al.Frames))
	maps, err := s.mapper.Compute(ctx, al.Frames)
	if err != nil {
		return nil, fmt.Errorf("sharpness: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.log.Info("compositing", "frames", len(al.Frames))
	out, winners, err := Composite(al.Frames, maps)
	if err != nil {
		return nil, fmt.Errorf("composite: %w", err)
	}
	res := &Result{
		Image:         out,
		Alignment:     al,
		Winners:       winners,
		Contributions: winners.Counts(len(al.Frames)),
	}

	if s.dumper != nil {
		if err := s.dump(res, maps); err != nil {
			return nil, collaborator("debug", "dumper", err)
		}
	}
	s.log.Info("stack complete", "frames", len(al.Frames), "size", out.Size(), "duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (s *Stacker) dump(res *Result, maps []*imaging.Map) error {
	for i, img := range res.Alignment.Frames {
		src := res.Alignment.Sources[i]
		if err := s.dumper.DumpAligned(src, img); err != nil {
			return err
		}
		if err := s.dumper.DumpSharpness(src, maps[i]); err != nil {
			return err
		}
	}
	if err := s.dumper.DumpWinners(res.Winners, len(res.Alignment.Frames)); err != nil {
		return err
	}
	return s.dumper.DumpContributions(res.Contributions, res.Alignment.Sources)
}

func checkUniform(frames []*imaging.Image) error {
	if len(frames) == 0 {
		return ErrEmptyStack
	}
	for i, f := range frames[1:] {
		if !f.SameSize(frames[0]) {
			return fmt.Errorf("frame %d is %s, reference is %s: %w", i+1, f.Size(), frames[0].Size(), ErrDimensionMismatch)
		}
	}
	return nil
}
