package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"focusstack/internal/features"
	"focusstack/internal/focus"
	"focusstack/internal/imaging"
)

const (
	defaultConfigPath = "~/.config/focusstack/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Stacking   Stacking   `json:"stacking"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // concurrent pipeline jobs
	FrameWorkers int    `json:"frame_workers"` // concurrent frames within one job
	TempDir      string `json:"temp_dir"`      // parent of --debug dump directories
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Stacking holds the focus stacking parameters.
type Stacking struct {
	BlurKernel      int     `json:"blur_kernel"`
	EdgeKernel      int     `json:"edge_kernel"`
	Detector        string  `json:"detector"` // orb, gradient, cv-orb, cv-sift
	MaxFeatures     int     `json:"max_features"`
	MaxMatches      int     `json:"max_matches"`
	RatioThreshold  float64 `json:"ratio_threshold"`
	ReprojThreshold float64 `json:"reproj_threshold"`
	OnFailure       string  `json:"on_failure"` // abort, skip
	DebugDir        string  `json:"debug_dir"`
	Codec           string  `json:"codec"`   // std, magick
	Backend         string  `json:"backend"` // go, opencv with the gocv build
	JPEGQuality     int     `json:"jpeg_quality"`
}

// Server configures `focusstack serve`.
type Server struct {
	Addr         string   `json:"addr"`
	GRPCAddr     string   `json:"grpc_addr"` // empty disables the health listener
	AllowedRoots []string `json:"allowed_roots"`
}

// Watch configures `focusstack watch`.
type Watch struct {
	Settle    string `json:"settle"` // quiet period before a burst is stacked, e.g. "3s"
	MinFrames int    `json:"min_frames"`
	OutputDir string `json:"output_dir"`
}

// SettleDuration parses Settle, defaulting to three seconds.
func (w Watch) SettleDuration() (time.Duration, error) {
	if w.Settle == "" {
		return 3 * time.Second, nil
	}
	d, err := time.ParseDuration(w.Settle)
	if err != nil {
		return 0, fmt.Errorf("watch.settle: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("watch.settle must be positive, got %s", w.Settle)
	}
	return d, nil
}

// Options converts the stacking section into focus options.
func (s Stacking) Options(workers int) (focus.Options, error) {
	policy, err := focus.ParseFailurePolicy(s.OnFailure)
	if err != nil {
		return focus.Options{}, err
	}
	return focus.Options{
		BlurKernel:      s.BlurKernel,
		EdgeKernel:      s.EdgeKernel,
		Detector:        s.Detector,
		MaxFeatures:     s.MaxFeatures,
		MaxMatches:      s.MaxMatches,
		RatioThreshold:  s.RatioThreshold,
		ReprojThreshold: s.ReprojThreshold,
		FailurePolicy:   policy,
		Workers:         workers,
		DebugDir:        s.DebugDir,
		Backend:         s.Backend,
	}, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs <= 0 {
		return fmt.Errorf("processing.parallel_jobs must be positive, got %d", c.Processing.ParallelJobs)
	}
	if !imaging.ValidKernel(c.Stacking.BlurKernel) {
		return fmt.Errorf("stacking.blur_kernel %d: %w", c.Stacking.BlurKernel, imaging.ErrKernelSize)
	}
	if !imaging.ValidKernel(c.Stacking.EdgeKernel) {
		return fmt.Errorf("stacking.edge_kernel %d: %w", c.Stacking.EdgeKernel, imaging.ErrKernelSize)
	}
	known := false
	for _, name := range features.Available() {
		if name == c.Stacking.Detector {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("stacking.detector %q is not one of %v", c.Stacking.Detector, features.Available())
	}
	switch c.Stacking.Codec {
	case "", "std", "magick":
	default:
		return fmt.Errorf("stacking.codec %q must be std or magick", c.Stacking.Codec)
	}
	opts, err := c.Stacking.Options(c.Processing.FrameWorkers)
	if err != nil {
		return fmt.Errorf("stacking.on_failure: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("stacking: %w", err)
	}
	if _, err := c.Watch.SettleDuration(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("FOCUSSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			FrameWorkers: runtime.NumCPU(),
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "focusstack.db"),
		},
		Stacking: Stacking{
			BlurKernel:      5,
			EdgeKernel:      5,
			Detector:        "orb",
			MaxFeatures:     1000,
			MaxMatches:      128,
			RatioThreshold:  0.7,
			ReprojThreshold: 2.0,
			OnFailure:       string(focus.PolicyAbort),
			Codec:           "std",
			Backend:         focus.BackendGo,
			JPEGQuality:     95,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			Settle:    "3s",
			MinFrames: 2,
			OutputDir: "./output",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
