// Package features detects keypoints, describes their neighbourhoods and
// matches descriptors between two images.
package features

import (
	"fmt"
	"sort"
	"sync"

	"focusstack/internal/imaging"
)

// Kind distinguishes descriptor encodings; it decides the matching metric.
type Kind int

const (
	// KindBinary descriptors are bit strings compared by Hamming distance.
	KindBinary Kind = iota
	// KindFloat descriptors are vectors compared by Euclidean distance.
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Keypoint is a repeatable image location.
type Keypoint struct {
	X, Y     float64
	Angle    float64 // radians
	Response float64
}

// Set holds keypoints and their descriptors, index-aligned. Exactly one of
// Binary or Float is populated, according to Kind.
type Set struct {
	Kind      Kind
	Keypoints []Keypoint
	Binary    [][]byte
	Float     [][]float32
}

// Len returns the number of described keypoints.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keypoints)
}

// Detector finds and describes keypoints on an intensity image.
type Detector interface {
	Name() string
	Kind() Kind
	Detect(img *imaging.Gray) (*Set, error)
}

// Options tune the built-in detectors.
type Options struct {
	MaxFeatures   int
	FastThreshold int
}

// DefaultOptions mirrors common ORB settings.
func DefaultOptions() Options {
	return Options{MaxFeatures: 1000, FastThreshold: 20}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFeatures <= 0 {
		o.MaxFeatures = d.MaxFeatures
	}
	if o.FastThreshold <= 0 {
		o.FastThreshold = d.FastThreshold
	}
	return o
}

// Factory builds a Detector from options.
type Factory func(Options) (Detector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a detector available by name. Build-tagged backends call
// it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the named detector.
func New(name string, opts Options) (Detector, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown feature detector %q (available: %v)", name, Available())
	}
	return f(opts.withDefaults())
}

// Available lists registered detector names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("orb", func(o Options) (Detector, error) { return NewORB(o), nil })
	Register("gradient", func(o Options) (Detector, error) { return NewGradient(o), nil })
}
