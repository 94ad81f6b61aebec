package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"focusstack/internal/config"
	"focusstack/internal/focus"
	"focusstack/internal/fsutil"
	"focusstack/internal/imaging"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
	"focusstack/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "focusstack",
		Short: "Merge differently focused photos into one sharp image",
		Long: `focusstack aligns a focus bracket onto its first frame, measures per-pixel
sharpness and keeps every pixel from the frame where it is sharpest.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newSharpnessCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// stackFlags are shared by every command that builds a stacker.
type stackFlags struct {
	blur      int
	edge      int
	detector  string
	backend   string
	onFailure string
	debugDir  string
	debug     bool
	tempDir   string
	workers   int
}

func (f *stackFlags) register(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&f.blur, "blur", cfg.Stacking.BlurKernel, "Gaussian blur kernel size (positive odd)")
	cmd.Flags().IntVar(&f.edge, "edge", cfg.Stacking.EdgeKernel, "Laplacian kernel size (positive odd)")
	cmd.Flags().StringVar(&f.detector, "detector", cfg.Stacking.Detector, "feature detector (orb|gradient, cv-orb|cv-sift with the gocv build)")
	cmd.Flags().StringVar(&f.backend, "backend", cfg.Stacking.Backend, "numeric backend (go, opencv with the gocv build)")
	cmd.Flags().StringVar(&f.onFailure, "on-failure", cfg.Stacking.OnFailure, "what to do with an unalignable frame (abort|skip)")
	cmd.Flags().StringVar(&f.debugDir, "debug-dir", cfg.Stacking.DebugDir, "write intermediate images into this directory")
	cmd.Flags().BoolVarP(&f.debug, "debug", "d", false, "write intermediate images into a new directory under processing.temp_dir")
	f.tempDir = cfg.Processing.TempDir
	cmd.Flags().IntVar(&f.workers, "workers", cfg.Processing.FrameWorkers, "frames processed concurrently")
}

// options validates the flags and returns them as job options.
func (f *stackFlags) options() (map[string]any, error) {
	if !imaging.ValidKernel(f.blur) {
		return nil, fmt.Errorf("--blur %d: %w", f.blur, imaging.ErrKernelSize)
	}
	if !imaging.ValidKernel(f.edge) {
		return nil, fmt.Errorf("--edge %d: %w", f.edge, imaging.ErrKernelSize)
	}
	if _, err := focus.ParseFailurePolicy(f.onFailure); err != nil {
		return nil, err
	}
	if f.workers < 1 {
		return nil, fmt.Errorf("--workers must be positive, got %d", f.workers)
	}
	if f.debug && f.debugDir == "" {
		f.debugDir = filepath.Join(f.tempDir, "focusstack-debug-"+time.Now().Format("20060102-150405"))
	}
	return map[string]any{
		"blur":      f.blur,
		"edge":      f.edge,
		"detector":  f.detector,
		"backend":   f.backend,
		"onFailure": f.onFailure,
		"debugDir":  f.debugDir,
		"workers":   f.workers,
		"source":    "cli",
	}, nil
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		flags  stackFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "stack <inputs...|directory>",
		Short: "Focus stack a bracket of images",
		Long: `Align every frame onto the first one and merge them into one image that is
sharp everywhere. A directory argument contributes its images sorted by name,
so the first file is the reference frame.

Examples:
  # Stack a directory of macro shots
  focusstack stack /photos/macro/bug-01/ -o bug-01.png

  # Explicit frames, drop any that cannot be aligned
  focusstack stack a.jpg b.jpg c.jpg -o out.tif --on-failure skip

  # Keep aligned frames, sharpness maps and the winner map for inspection
  focusstack stack /photos/macro/ -o out.png --debug-dir /tmp/debug`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "stack-"+time.Now().Format("20060102-150405")+".png")
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:    pipeline.JobStack,
				Inputs:  args,
				Output:  output,
				Options: opts,
			})
			if err != nil {
				return err
			}
			root.printResult(res)
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (format from extension)")
	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		flags  stackFlags
		output string
		format string
	)

	cmd := &cobra.Command{
		Use:   "align <inputs...|directory>",
		Short: "Align images onto the first frame",
		Long: `Register every frame onto the first one and write aligned_<i> images into the
output directory. Frames are numbered by input position.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			opts["format"] = format
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "aligned")
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:    pipeline.JobAlign,
				Inputs:  args,
				Output:  output,
				Options: opts,
			})
			if err != nil {
				return err
			}
			root.printResult(res)
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&format, "format", "png", "output image format")
	return cmd
}

func newSharpnessCmd(root *Root) *cobra.Command {
	var (
		flags  stackFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "sharpness <inputs...|directory>",
		Short: "Write per-frame sharpness maps",
		Long: `Compute the blurred Laplacian of each frame without aligning and write it,
scaled to 0..255, as sharpness_<i>.png into the output directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "sharpness")
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:    pipeline.JobSharpness,
				Inputs:  args,
				Output:  output,
				Options: opts,
			})
			if err != nil {
				return err
			}
			root.printResult(res)
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		roots    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API",
		Long: `Start an HTTP server that accepts stacking jobs and reports their progress.

Endpoints:
  POST /api/stack      submit a job
  GET  /api/jobs       recent jobs
  GET  /api/jobs/{id}  job detail with per-frame alignment
  GET  /api/health     liveness
  GET  /ws             job results as they finish

Examples:
  focusstack serve --addr :8080
  focusstack serve --addr :8080 --allow /data/Photography --grpc-addr ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Server
			cfg.Addr = addr
			cfg.GRPCAddr = grpcAddr
			cfg.AllowedRoots = roots

			root.log.Info("starting server",
				"addr", cfg.Addr,
				"grpc_addr", cfg.GRPCAddr,
				"allowed_roots", cfg.AllowedRoots,
			)
			return root.serveFn(cmd.Context(), cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	cmd.Flags().StringSliceVar(&roots, "allow", root.cfg.Server.AllowedRoots, "directories jobs may read and write")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags     stackFlags
		settle    time.Duration
		minFrames int
		outputDir string
	)

	defaultSettle, err := root.cfg.Watch.SettleDuration()
	if err != nil {
		defaultSettle = 3 * time.Second
	}

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Stack each burst of new images written into a directory",
		Long: `Watch a directory (for example a tethered camera's download folder) and
submit a stack job once new images stop arriving for the settle period.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			if settle <= 0 {
				return fmt.Errorf("--settle must be positive, got %s", settle)
			}
			return root.watchFn(cmd.Context(), watch.Config{
				Dir:        args[0],
				OutputDir:  outputDir,
				Settle:     settle,
				MinFrames:  minFrames,
				Options:    opts,
				Extensions: fsutil.ExtensionsFor(root.cfg.Stacking.Codec),
			}, root.pipeline, root.log)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().DurationVar(&settle, "settle", defaultSettle, "quiet period that ends a burst")
	cmd.Flags().IntVar(&minFrames, "min-frames", root.cfg.Watch.MinFrames, "smallest burst worth stacking")
	cmd.Flags().StringVar(&outputDir, "output-dir", root.cfg.Watch.OutputDir, "where stack-<timestamp>.png files go")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job database unavailable (%s)", root.cfg.Paths.DatabasePath)
			}
			if len(args) == 1 {
				return root.showJob(args[0])
			}
			return root.listJobs(limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printVersion()
		},
	}
}
