package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"focusstack/internal/config"
	"focusstack/internal/pipeline"
	"focusstack/internal/server"
	"focusstack/internal/storage"
	"focusstack/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, cfg watch.Config, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and, when configured, the gRPC health
// listener until ctx is cancelled or either fails.
func defaultServe(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := server.NewServer(cfg.Addr, store, pipe, cfg.AllowedRoots, log)
	g.Go(func() error { return srv.Start(ctx) })
	if cfg.GRPCAddr != "" {
		health := server.NewHealth(log)
		g.Go(func() error { return health.ListenAndServe(ctx, cfg.GRPCAddr) })
	}
	return g.Wait()
}

func defaultWatch(ctx context.Context, cfg watch.Config, pipe pipelineClient, log *slog.Logger) error {
	w, err := watch.New(cfg, pipe, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	job, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return job, ctx.Err()
	default:
	}

	job, err := r.pipeline.Submit(job)
	if err != nil {
		return job, err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "inputs", len(job.Inputs))
	return job, nil
}

// printResult writes the interesting parts of a job's meta, keys sorted.
func (r *Root) printResult(res pipeline.Result) {
	fmt.Fprintf(r.out, "%s job %s completed\n", res.Job.Type, res.Job.ID)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %-14s %v\n", k+":", formatValue(res.Meta[k]))
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return "none"
		}
		return strings.Join(val, ", ")
	default:
		return fmt.Sprint(v)
	}
}
