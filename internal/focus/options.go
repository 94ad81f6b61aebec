package focus

import (
	"fmt"
	"runtime"

	"focusstack/internal/features"
	"focusstack/internal/geometry"
	"focusstack/internal/imaging"
)

// FailurePolicy decides what happens when a frame cannot be aligned.
type FailurePolicy string

const (
	// PolicyAbort fails the whole run on the first unalignable frame.
	PolicyAbort FailurePolicy = "abort"
	// PolicySkip drops unalignable frames and stacks the rest.
	PolicySkip FailurePolicy = "skip"
)

// ParseFailurePolicy accepts "abort", "skip" or "" (abort).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (abort|skip)", s)
	}
}

// Options are fixed for the lifetime of a Stacker.
type Options struct {
	BlurKernel      int
	EdgeKernel      int
	Detector        string
	MaxFeatures     int
	MaxMatches      int
	RatioThreshold  float64
	ReprojThreshold float64
	FailurePolicy   FailurePolicy
	Workers         int
	DebugDir        string
	Backend         string // numeric backend, "go" when empty
}

// DefaultOptions returns the stock configuration: 5x5 kernels, ORB features,
// top 128 matches, 0.7 ratio, 2px reprojection threshold, abort on failure.
func DefaultOptions() Options {
	return Options{
		BlurKernel:      5,
		EdgeKernel:      5,
		Detector:        "orb",
		MaxFeatures:     1000,
		MaxMatches:      128,
		RatioThreshold:  features.DefaultRatio,
		ReprojThreshold: 2.0,
		FailurePolicy:   PolicyAbort,
		Workers:         runtime.NumCPU(),
		Backend:         BackendGo,
	}
}

// Validate checks every option.
func (o Options) Validate() error {
	if !imaging.ValidKernel(o.BlurKernel) {
		return fmt.Errorf("blur kernel %d: %w", o.BlurKernel, imaging.ErrKernelSize)
	}
	if !imaging.ValidKernel(o.EdgeKernel) {
		return fmt.Errorf("edge kernel %d: %w", o.EdgeKernel, imaging.ErrKernelSize)
	}
	if o.MaxMatches < geometry.MinCorrespondences {
		return fmt.Errorf("max matches must be at least %d, got %d", geometry.MinCorrespondences, o.MaxMatches)
	}
	if o.RatioThreshold <= 0 || o.RatioThreshold >= 1 {
		return fmt.Errorf("ratio threshold must be in (0,1), got %g", o.RatioThreshold)
	}
	if o.ReprojThreshold <= 0 {
		return fmt.Errorf("reprojection threshold must be positive, got %g", o.ReprojThreshold)
	}
	if _, err := ParseFailurePolicy(string(o.FailurePolicy)); err != nil {
		return err
	}
	if _, err := backendCapabilities(o.Backend); err != nil {
		return err
	}
	return nil
}

// Capabilities are the pluggable numeric collaborators. Nil fields come
// from the selected Backend, then from the built-in pure Go implementations.
type Capabilities struct {
	Detector features.Detector
	Solver   geometry.Solver
	Warper   imaging.Warper
	Filter   imaging.Filter
	Dumper   Dumper
}

func (c Capabilities) withDefaults(opts Options) (Capabilities, error) {
	b, err := backendCapabilities(opts.Backend)
	if err != nil {
		return c, err
	}
	if c.Solver == nil {
		c.Solver = b.Solver
	}
	if c.Warper == nil {
		c.Warper = b.Warper
	}
	if c.Filter == nil {
		c.Filter = b.Filter
	}
	if c.Detector == nil {
		d, err := features.New(opts.Detector, features.Options{MaxFeatures: opts.MaxFeatures})
		if err != nil {
			return c, err
		}
		c.Detector = d
	}
	if c.Solver == nil {
		c.Solver = geometry.NewRANSAC()
	}
	if c.Warper == nil {
		c.Warper = imaging.BilinearWarper{}
	}
	if c.Filter == nil {
		c.Filter = imaging.KernelFilter{}
	}
	if c.Dumper == nil && opts.DebugDir != "" {
		c.Dumper = NewFileDumper(opts.DebugDir, imaging.StdCodec{})
	}
	return c, nil
}
