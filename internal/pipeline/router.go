package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"focusstack/internal/focus"
	"focusstack/internal/fsutil"
	"focusstack/internal/imaging"
	"focusstack/internal/logging"
	"focusstack/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	codec      imaging.Codec
	base       focus.Options
	newStacker stackerFactory
}

// stacker is the part of focus.Stacker the handlers use.
type stacker interface {
	Stack(ctx context.Context, frames []*imaging.Image) (*focus.Result, error)
	Align(ctx context.Context, frames []*imaging.Image) (*focus.Alignment, error)
	Sharpness(ctx context.Context, frames []*imaging.Image) ([]*imaging.Map, error)
}

type stackerFactory func(opts focus.Options) (stacker, error)

func newRouter(logger *slog.Logger, store *storage.Store, settings Settings) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	codec := settings.Codec
	if codec == nil {
		codec = imaging.StdCodec{}
	}
	caps := settings.Capabilities
	base := settings.Options
	if base == (focus.Options{}) {
		base = focus.DefaultOptions()
	}
	if base.Workers < 1 {
		base.Workers = 1
	}
	return &router{
		log:   logger,
		store: store,
		codec: codec,
		base:  base,
		newStacker: func(opts focus.Options) (stacker, error) {
			c := caps
			if c.Dumper == nil && opts.DebugDir != "" {
				c.Dumper = focus.NewFileDumper(opts.DebugDir, codec)
			}
			return focus.New(opts, c, logger)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStack:
		return r.handleStack(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobSharpness:
		return r.handleSharpness(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	paths, frames, st, err := r.prepare(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if job.Output == "" {
		return Result{Job: job, Error: errors.New("stack job needs an output path")}
	}

	start := time.Now()
	res, err := st.Stack(ctx, frames)
	if res != nil {
		r.recordAlignment(job.ID, paths, res.Alignment)
	} else {
		var fe *focus.FrameError
		if errors.As(err, &fe) {
			r.recordFailure(job.ID, paths, fe)
		}
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"frames": len(frames)}}
	}
	logging.LogStage(r.log, job.ID, "stack", len(frames), time.Since(start))

	if err := r.codec.Encode(res.Image, job.Output); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write %s: %w", job.Output, err)}
	}

	sources := make([]string, len(res.Alignment.Sources))
	for i, idx := range res.Alignment.Sources {
		sources[i] = paths[idx]
	}
	meta := map[string]any{
		"output":        job.Output,
		"frames":        len(frames),
		"stacked":       len(res.Alignment.Frames),
		"skipped":       skippedPaths(paths, res.Alignment),
		"dimensions":    res.Image.Size(),
		"sources":       sources,
		"contributions": res.Contributions,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	paths, frames, st, err := r.prepare(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	start := time.Now()
	al, err := st.Align(ctx, frames)
	if err != nil {
		var fe *focus.FrameError
		if errors.As(err, &fe) {
			r.recordFailure(job.ID, paths, fe)
		}
		return Result{Job: job, Error: err}
	}
	r.recordAlignment(job.ID, paths, al)
	logging.LogStage(r.log, job.ID, "align", len(frames), time.Since(start))

	ext := outputExt(job)
	written := make([]string, len(al.Frames))
	var g errgroup.Group
	g.SetLimit(r.base.Workers)
	for i, img := range al.Frames {
		out := filepath.Join(job.Output, fmt.Sprintf("aligned_%d%s", al.Sources[i], ext))
		written[i] = out
		g.Go(func() error {
			return r.codec.Encode(img, out)
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":  job.Output,
		"frames":  len(frames),
		"written": written,
		"skipped": skippedPaths(paths, al),
	}}
}

func (r *router) handleSharpness(ctx context.Context, job Job) Result {
	_, frames, st, err := r.prepare(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	start := time.Now()
	maps, err := st.Sharpness(ctx, frames)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogStage(r.log, job.ID, "sharpness", len(frames), time.Since(start))

	ext := outputExt(job)
	written := make([]string, len(maps))
	var g errgroup.Group
	g.SetLimit(r.base.Workers)
	for i, m := range maps {
		out := filepath.Join(job.Output, fmt.Sprintf("sharpness_%d%s", i, ext))
		written[i] = out
		g.Go(func() error {
			return imaging.EncodeGray(r.codec, m.Normalized(), out)
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":  job.Output,
		"frames":  len(frames),
		"written": written,
	}}
}

// prepare resolves the job's inputs, decodes them and builds a stacker for
// the job's options.
func (r *router) prepare(ctx context.Context, job Job) ([]string, []*imaging.Image, stacker, error) {
	opts, err := jobOptions(r.base, job.Options)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := r.newStacker(opts)
	if err != nil {
		return nil, nil, nil, err
	}

	inputs := job.Inputs
	if len(inputs) == 0 && job.InputPath != "" {
		inputs = []string{job.InputPath}
	}
	if len(inputs) == 0 {
		return nil, nil, nil, focus.ErrEmptyStack
	}
	paths, err := fsutil.ResolveInputs(inputs, fsutil.ExtensionsFor(r.codec.Name()))
	if err != nil {
		return nil, nil, nil, err
	}

	start := time.Now()
	frames, err := r.decode(ctx, paths, opts.Workers)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.LogStage(r.log, job.ID, "decode", len(frames), time.Since(start))
	return paths, frames, st, nil
}

func (r *router) decode(ctx context.Context, paths []string, workers int) ([]*imaging.Image, error) {
	frames := make([]*imaging.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := r.codec.Decode(p)
			if err != nil {
				return &focus.CollaboratorError{Stage: "decode", Collaborator: r.codec.Name(), Err: err}
			}
			frames[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

func (r *router) recordAlignment(jobID string, paths []string, al *focus.Alignment) {
	if r.store == nil || al == nil {
		return
	}
	for _, t := range al.Transforms {
		fa := storage.FrameAlignment{
			JobID:      jobID,
			FrameIndex: t.Index,
			Path:       paths[t.Index],
			Matches:    t.Matches,
			Inliers:    t.Inliers,
			Skipped:    t.Skipped,
			Homography: t.Homography,
			Error:      errString(t.Err),
		}
		if err := r.store.RecordFrameAlignment(fa); err != nil {
			r.log.Warn("failed to record frame alignment", "job_id", jobID, "frame", t.Index, "error", err)
		}
	}
}

func (r *router) recordFailure(jobID string, paths []string, fe *focus.FrameError) {
	if r.store == nil || fe.Index < 0 || fe.Index >= len(paths) {
		return
	}
	if err := r.store.RecordFrameAlignment(storage.FrameAlignment{
		JobID:      jobID,
		FrameIndex: fe.Index,
		Path:       paths[fe.Index],
		Matches:    fe.Matches,
		Error:      fe.Err.Error(),
	}); err != nil {
		r.log.Warn("failed to record frame alignment", "job_id", jobID, "frame", fe.Index, "error", err)
	}
}

func skippedPaths(paths []string, al *focus.Alignment) []string {
	out := []string{}
	for _, idx := range al.Skipped() {
		out = append(out, paths[idx])
	}
	return out
}

func outputExt(job Job) string {
	ext, _ := job.Options["format"].(string)
	if ext == "" {
		return ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}

// jobOptions overlays per-job overrides on the configured defaults. Values
// may arrive as Go ints (CLI) or JSON numbers (HTTP).
func jobOptions(base focus.Options, options map[string]any) (focus.Options, error) {
	opts := base
	if v, ok := getIntOption(options, "blur"); ok {
		opts.BlurKernel = v
	}
	if v, ok := getIntOption(options, "edge"); ok {
		opts.EdgeKernel = v
	}
	if v, ok := getIntOption(options, "workers"); ok && v > 0 {
		opts.Workers = v
	}
	if v, ok := options["detector"].(string); ok && v != "" {
		opts.Detector = v
	}
	if v, ok := options["backend"].(string); ok && v != "" {
		opts.Backend = v
	}
	if v, ok := options["debugDir"].(string); ok && v != "" {
		opts.DebugDir = v
	}
	if v, ok := options["onFailure"].(string); ok && v != "" {
		policy, err := focus.ParseFailurePolicy(v)
		if err != nil {
			return opts, err
		}
		opts.FailurePolicy = policy
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Helper functions to safely extract typed options from job.Options map
func getIntOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}
