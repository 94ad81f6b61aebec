package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"

	"focusstack/internal/focus"
	"focusstack/internal/imaging"
)

func TestRouterStackWritesOutputAndMeta(t *testing.T) {
	dir := t.TempDir()
	paths := touchFrames(t, dir, "f0.png", "f1.png", "f2.png")
	codec := &stubCodec{}
	st := &stubStacker{skip: map[int]bool{1: true}}
	r := newStubRouter(codec, st)

	out := filepath.Join(t.TempDir(), "stack.png")
	res := r.Process(context.Background(), Job{
		ID:      "stack-1",
		Type:    JobStack,
		Inputs:  paths,
		Output:  out,
		Options: map[string]any{"blur": 3, "edge": float64(7), "onFailure": "skip"},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if st.lastOpts.BlurKernel != 3 || st.lastOpts.EdgeKernel != 7 || st.lastOpts.FailurePolicy != focus.PolicySkip {
		t.Fatalf("job options not applied: %+v", st.lastOpts)
	}
	if st.stackCalls != 1 {
		t.Fatalf("expected one Stack call, got %d", st.stackCalls)
	}
	if got := codec.encoded(); !reflect.DeepEqual(got, []string{out}) {
		t.Fatalf("encoded %v, want [%s]", got, out)
	}
	if res.Meta["frames"] != 3 || res.Meta["stacked"] != 2 {
		t.Fatalf("unexpected frame counts: %v", res.Meta)
	}
	if !reflect.DeepEqual(res.Meta["skipped"], []string{paths[1]}) {
		t.Fatalf("unexpected skipped: %v", res.Meta["skipped"])
	}
	if !reflect.DeepEqual(res.Meta["sources"], []string{paths[0], paths[2]}) {
		t.Fatalf("unexpected sources: %v", res.Meta["sources"])
	}
	if res.Meta["dimensions"] != "4x3" {
		t.Fatalf("unexpected dimensions: %v", res.Meta["dimensions"])
	}
}

func TestRouterStackDirectoryInput(t *testing.T) {
	dir := t.TempDir()
	touchFrames(t, dir, "b.png", "a.png", "notes.txt")
	codec := &stubCodec{}
	r := newStubRouter(codec, &stubStacker{})

	res := r.Process(context.Background(), Job{
		ID:        "stack-dir",
		Type:      JobStack,
		InputPath: dir,
		Output:    filepath.Join(t.TempDir(), "out.png"),
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")}
	if got := codec.decodedSorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
	if !reflect.DeepEqual(res.Meta["sources"], want) {
		t.Fatalf("reference must be the first file by name: %v", res.Meta["sources"])
	}
}

func TestRouterDirectorySkipsUndecodableRAW(t *testing.T) {
	dir := t.TempDir()
	touchFrames(t, dir, "a.cr2", "a.png", "b.png")
	codec := &stubCodec{failOn: filepath.Join(dir, "a.cr2")}
	r := newStubRouter(codec, &stubStacker{})

	res := r.Process(context.Background(), Job{
		ID:        "raw-dir",
		Type:      JobStack,
		InputPath: dir,
		Output:    filepath.Join(t.TempDir(), "out.png"),
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")}
	if got := codec.decodedSorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
}

func TestRouterStackRequiresOutput(t *testing.T) {
	paths := touchFrames(t, t.TempDir(), "a.png")
	r := newStubRouter(&stubCodec{}, &stubStacker{})
	res := r.Process(context.Background(), Job{ID: "x", Type: JobStack, Inputs: paths})
	if res.Error == nil {
		t.Fatal("expected error without output path")
	}
}

func TestRouterStackPropagatesStackerError(t *testing.T) {
	paths := touchFrames(t, t.TempDir(), "a.png", "b.png")
	codec := &stubCodec{}
	st := &stubStacker{err: &focus.FrameError{Index: 1, Err: focus.ErrInsufficientCorrespondence}}
	r := newStubRouter(codec, st)

	res := r.Process(context.Background(), Job{ID: "x", Type: JobStack, Inputs: paths, Output: filepath.Join(t.TempDir(), "o.png")})
	if !errors.Is(res.Error, focus.ErrInsufficientCorrespondence) {
		t.Fatalf("expected insufficient correspondence, got %v", res.Error)
	}
	if len(codec.encoded()) != 0 {
		t.Fatal("no output may be written on failure")
	}
}

func TestRouterDecodeFailure(t *testing.T) {
	paths := touchFrames(t, t.TempDir(), "a.png", "b.png")
	r := newStubRouter(&stubCodec{failOn: paths[1]}, &stubStacker{})

	res := r.Process(context.Background(), Job{ID: "x", Type: JobStack, Inputs: paths, Output: "o.png"})
	var ce *focus.CollaboratorError
	if !errors.As(res.Error, &ce) || ce.Stage != "decode" {
		t.Fatalf("expected decode collaborator error, got %v", res.Error)
	}
}

func TestRouterAlignWritesSurvivors(t *testing.T) {
	paths := touchFrames(t, t.TempDir(), "a.png", "b.png", "c.png")
	codec := &stubCodec{}
	r := newStubRouter(codec, &stubStacker{skip: map[int]bool{2: true}})

	outDir := t.TempDir()
	res := r.Process(context.Background(), Job{
		ID:      "align-1",
		Type:    JobAlign,
		Inputs:  paths,
		Output:  outDir,
		Options: map[string]any{"format": "TIF"},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := []string{filepath.Join(outDir, "aligned_0.tif"), filepath.Join(outDir, "aligned_1.tif")}
	if got := codec.encodedSorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("encoded %v, want %v", got, want)
	}
}

func TestRouterSharpnessWritesMaps(t *testing.T) {
	paths := touchFrames(t, t.TempDir(), "a.png", "b.png")
	codec := &stubCodec{}
	st := &stubStacker{}
	r := newStubRouter(codec, st)

	outDir := t.TempDir()
	res := r.Process(context.Background(), Job{ID: "s", Type: JobSharpness, Inputs: paths, Output: outDir})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if st.sharpnessCalls != 1 {
		t.Fatalf("expected one Sharpness call, got %d", st.sharpnessCalls)
	}
	want := []string{filepath.Join(outDir, "sharpness_0.png"), filepath.Join(outDir, "sharpness_1.png")}
	if got := codec.encodedSorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("encoded %v, want %v", got, want)
	}
}

func TestRouterUnknownType(t *testing.T) {
	r := newStubRouter(&stubCodec{}, &stubStacker{})
	if res := r.Process(context.Background(), Job{ID: "x", Type: "timelapse"}); res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestJobOptions(t *testing.T) {
	base := focus.DefaultOptions()

	opts, err := jobOptions(base, map[string]any{"detector": "gradient", "workers": float64(3), "debugDir": "/tmp/d"})
	if err != nil {
		t.Fatalf("jobOptions: %v", err)
	}
	if opts.Detector != "gradient" || opts.Workers != 3 || opts.DebugDir != "/tmp/d" {
		t.Fatalf("overrides not applied: %+v", opts)
	}
	if opts.BlurKernel != base.BlurKernel {
		t.Fatalf("unset option changed: %d", opts.BlurKernel)
	}

	if _, err := jobOptions(base, map[string]any{"blur": 4}); !errors.Is(err, imaging.ErrKernelSize) {
		t.Fatalf("expected kernel size error, got %v", err)
	}
	if _, err := jobOptions(base, map[string]any{"onFailure": "retry"}); err == nil {
		t.Fatal("expected error for unknown failure policy")
	}
	if _, err := jobOptions(base, map[string]any{"backend": "cuda"}); err == nil {
		t.Fatal("expected error for unknown numeric backend")
	}
	opts, err = jobOptions(base, map[string]any{"backend": focus.BackendGo})
	if err != nil || opts.Backend != focus.BackendGo {
		t.Fatalf("backend override: %+v, %v", opts, err)
	}
}

// Stubs
func newStubRouter(codec imaging.Codec, st *stubStacker) *router {
	base := focus.DefaultOptions()
	base.Workers = 2
	return &router{
		log:   slog.Default(),
		codec: codec,
		base:  base,
		newStacker: func(opts focus.Options) (stacker, error) {
			st.lastOpts = opts
			return st, nil
		},
	}
}

func touchFrames(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	var out []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

type stubCodec struct {
	mu      sync.Mutex
	failOn  string
	decoded []string
	written []string
}

func (c *stubCodec) Name() string { return "stub" }

func (c *stubCodec) Decode(path string) (*imaging.Image, error) {
	if path == c.failOn {
		return nil, errors.New("corrupt file")
	}
	c.mu.Lock()
	c.decoded = append(c.decoded, path)
	c.mu.Unlock()
	return imaging.NewUniform(4, 3, [3]uint8{10, 20, 30}), nil
}

func (c *stubCodec) Encode(img *imaging.Image, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, path)
	return nil
}

func (c *stubCodec) encoded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *stubCodec) encodedSorted() []string {
	out := c.encoded()
	sort.Strings(out)
	return out
}

func (c *stubCodec) decodedSorted() []string {
	c.mu.Lock()
	out := append([]string(nil), c.decoded...)
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

type stubStacker struct {
	skip           map[int]bool
	err            error
	lastOpts       focus.Options
	stackCalls     int
	sharpnessCalls int
}

func (s *stubStacker) Align(ctx context.Context, frames []*imaging.Image) (*focus.Alignment, error) {
	if s.err != nil {
		return nil, s.err
	}
	al := &focus.Alignment{}
	for i, f := range frames {
		tr := focus.FrameTransform{Index: i}
		if s.skip[i] {
			tr.Skipped = true
			tr.Err = focus.ErrInsufficientCorrespondence
		} else {
			al.Frames = append(al.Frames, f)
			al.Sources = append(al.Sources, i)
		}
		al.Transforms = append(al.Transforms, tr)
	}
	return al, nil
}

func (s *stubStacker) Stack(ctx context.Context, frames []*imaging.Image) (*focus.Result, error) {
	s.stackCalls++
	al, err := s.Align(ctx, frames)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(al.Frames))
	counts[0] = frames[0].Width * frames[0].Height
	return &focus.Result{Image: frames[0].Clone(), Alignment: al, Contributions: counts}, nil
}

func (s *stubStacker) Sharpness(ctx context.Context, frames []*imaging.Image) ([]*imaging.Map, error) {
	s.sharpnessCalls++
	maps := make([]*imaging.Map, len(frames))
	for i, f := range frames {
		maps[i] = imaging.NewMap(f.Width, f.Height)
	}
	return maps, nil
}
