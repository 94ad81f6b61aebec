package focus

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"focusstack/internal/imaging"
)

// SharpnessMapper turns aligned frames into per-pixel focus measures: the
// Laplacian of a Gaussian-smoothed grayscale copy.
type SharpnessMapper struct {
	filter  imaging.Filter
	blur    int
	edge    int
	workers int
	log     *slog.Logger
}

func newSharpnessMapper(opts Options, caps Capabilities, logger *slog.Logger) *SharpnessMapper {
	return &SharpnessMapper{
		filter:  caps.Filter,
		blur:    opts.BlurKernel,
		edge:    opts.EdgeKernel,
		workers: opts.Workers,
		log:     logger,
	}
}

// Compute returns one map per frame, in frame order. Frames are independent
// and processed concurrently.
func (m *SharpnessMapper) Compute(ctx context.Context, frames []*imaging.Image) ([]*imaging.Map, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyStack
	}
	maps := make([]*imaging.Map, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	if m.workers > 0 {
		g.SetLimit(m.workers)
	}
	for i, frame := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sm, err := m.frame(frame)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			maps[i] = sm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.log.Debug("sharpness maps computed", "frames", len(maps), "blur", m.blur, "edge", m.edge)
	return maps, nil
}

func (m *SharpnessMapper) frame(frame *imaging.Image) (*imaging.Map, error) {
	blurred, err := m.filter.Blur(frame.Gray(), m.blur)
	if err != nil {
		return nil, collaborator("sharpness", "blur", err)
	}
	lap, err := m.filter.Laplacian(blurred, m.edge)
	if err != nil {
		return nil, collaborator("sharpness", "laplacian", err)
	}
	if lap.Width != frame.Width || lap.Height != frame.Height {
		return nil, fmt.Errorf("laplacian is %dx%d, frame is %s: %w",
			lap.Width, lap.Height, frame.Size(), ErrDimensionMismatch)
	}
	return lap, nil
}
