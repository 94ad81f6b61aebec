package focus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusstack/internal/features"
	"focusstack/internal/geometry"
	"focusstack/internal/imaging"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedDetector reports the same keypoints with the same distinct
// descriptors for every image, so matching always yields the identity.
type fixedDetector struct {
	points []geometry.Point
	reject func(*imaging.Gray) bool
}

func (d fixedDetector) Name() string        { return "fixed" }
func (d fixedDetector) Kind() features.Kind { return features.KindBinary }

func (d fixedDetector) Detect(g *imaging.Gray) (*features.Set, error) {
	set := &features.Set{Kind: features.KindBinary}
	if d.reject != nil && d.reject(g) {
		return set, nil
	}
	for i, p := range d.points {
		desc := make([]byte, 32)
		desc[i%32] = 0xff
		set.Keypoints = append(set.Keypoints, features.Keypoint{X: p.X, Y: p.Y})
		set.Binary = append(set.Binary, desc)
	}
	return set, nil
}

func corners(w, h int) fixedDetector {
	fw, fh := float64(w-1), float64(h-1)
	return fixedDetector{points: []geometry.Point{{X: 0, Y: 0}, {X: fw, Y: 0}, {X: 0, Y: fh}, {X: fw, Y: fh}}}
}

// blockScene returns a random block texture defined over the whole plane.
func blockScene(seed int64, cell int) func(x, y int) uint8 {
	const grid = 64
	rng := rand.New(rand.NewSource(seed))
	vals := make([]uint8, grid*grid)
	for i := range vals {
		vals[i] = uint8(rng.Intn(256))
	}
	return func(x, y int) uint8 {
		return vals[(y/cell%grid)*grid+x/cell%grid]
	}
}

func render(w, h, dx, dy int, scene func(x, y int) uint8) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := scene(x+dx, y+dy)
			img.SetRGB(x, y, [3]uint8{v, v, v})
		}
	}
	return img
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	return opts
}

func newTestStacker(t *testing.T, opts Options, caps Capabilities) *Stacker {
	t.Helper()
	s, err := New(opts, caps, quietLogger())
	require.NoError(t, err)
	return s
}

var (
	red   = [3]uint8{255, 0, 0}
	green = [3]uint8{0, 255, 0}
	blue  = [3]uint8{0, 0, 255}
	white = [3]uint8{255, 255, 255}
)

func TestAlignIdenticalFramesYieldIdentity(t *testing.T) {
	ref := render(64, 64, 0, 0, blockScene(7, 8))
	s := newTestStacker(t, testOptions(), Capabilities{})

	for n := 1; n <= 4; n++ {
		frames := make([]*imaging.Image, n)
		for i := range frames {
			frames[i] = ref.Clone()
		}
		al, err := s.Align(context.Background(), frames)
		require.NoError(t, err, "n=%d", n)
		require.Len(t, al.Frames, n)
		require.Len(t, al.Transforms, n)
		for i, tr := range al.Transforms {
			assert.True(t, tr.Homography.IsIdentity(0), "n=%d frame %d: %s", n, i, tr.Homography)
			assert.False(t, tr.Skipped)
			assert.Empty(t, cmp.Diff(ref.Pix, al.Frames[i].Pix), "n=%d frame %d drifted", n, i)
		}
	}
}

func TestAlignOutputTakesReferenceSize(t *testing.T) {
	ref := imaging.NewUniform(64, 48, red)
	bigger := imaging.NewUniform(80, 60, green)
	smaller := imaging.NewUniform(40, 30, blue)

	opts := testOptions()
	s := newTestStacker(t, opts, Capabilities{Detector: fixedDetector{points: []geometry.Point{
		{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 0, Y: 20}, {X: 20, Y: 20}, {X: 10, Y: 5},
	}}})

	al, err := s.Align(context.Background(), []*imaging.Image{ref, bigger, smaller})
	require.NoError(t, err)
	require.Len(t, al.Frames, 3)
	for i, f := range al.Frames {
		assert.Equal(t, 64, f.Width, "frame %d", i)
		assert.Equal(t, 48, f.Height, "frame %d", i)
	}
	// The larger frame covers the whole reference area; the smaller one
	// leaves a black border where it has no data.
	assert.Equal(t, green, al.Frames[1].RGB(63, 47))
	assert.Equal(t, blue, al.Frames[2].RGB(39, 29))
	assert.Equal(t, [3]uint8{}, al.Frames[2].RGB(63, 47))
}

func TestAlignRecoversTranslation(t *testing.T) {
	scene := blockScene(42, 8)
	ref := render(128, 128, 0, 0, scene)
	moved := render(128, 128, 3, 2, scene)

	for _, detector := range []string{"orb", "gradient"} {
		t.Run(detector, func(t *testing.T) {
			opts := testOptions()
			opts.Detector = detector
			s := newTestStacker(t, opts, Capabilities{})
			al, err := s.Align(context.Background(), []*imaging.Image{ref, moved})
			require.NoError(t, err)
			require.Len(t, al.Frames, 2)

			tr := al.Transforms[1]
			assert.GreaterOrEqual(t, tr.Inliers, geometry.MinCorrespondences)
			want := geometry.Homography{1, 0, 3, 0, 1, 2, 0, 0, 1}
			for i := range want {
				assert.InDelta(t, want[i], tr.Homography[i], 1e-6, "h[%d] of %s", i, tr.Homography)
			}

			aligned := al.Frames[1]
			for y := 2; y < 128; y++ {
				for x := 3; x < 128; x++ {
					if aligned.RGB(x, y) != ref.RGB(x, y) {
						t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, aligned.RGB(x, y), ref.RGB(x, y))
					}
				}
			}
			assert.Equal(t, [3]uint8{}, aligned.RGB(0, 0))
		})
	}
}

func TestAlignFailurePolicy(t *testing.T) {
	frames := []*imaging.Image{
		imaging.NewUniform(8, 8, red),
		imaging.NewUniform(8, 8, green),
		imaging.NewUniform(8, 8, blue),
	}
	greenGray := frames[1].Gray().Pix[0]
	det := corners(8, 8)
	det.reject = func(g *imaging.Gray) bool { return g.Pix[0] == greenGray }

	t.Run("abort", func(t *testing.T) {
		s := newTestStacker(t, testOptions(), Capabilities{Detector: det})
		_, err := s.Stack(context.Background(), frames)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientCorrespondence)
		var fe *FrameError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, 1, fe.Index)
		assert.Equal(t, 0, fe.Matches)
	})

	t.Run("skip", func(t *testing.T) {
		opts := testOptions()
		opts.FailurePolicy = PolicySkip
		s := newTestStacker(t, opts, Capabilities{Detector: det})
		res, err := s.Stack(context.Background(), frames)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2}, res.Alignment.Sources)
		assert.Equal(t, []int{1}, res.Alignment.Skipped())
		assert.ErrorIs(t, res.Alignment.Transforms[1].Err, ErrInsufficientCorrespondence)
		assert.Len(t, res.Contributions, 2)
	})
}

func TestSharpnessOfFlatImageIsZero(t *testing.T) {
	for _, ksize := range []int{1, 3, 5, 7, 9} {
		opts := testOptions()
		opts.BlurKernel, opts.EdgeKernel = ksize, ksize
		s := newTestStacker(t, opts, Capabilities{})
		maps, err := s.Sharpness(context.Background(), []*imaging.Image{
			imaging.NewUniform(17, 11, [3]uint8{12, 200, 77}),
			imaging.NewUniform(17, 11, white),
		})
		require.NoError(t, err)
		for i, m := range maps {
			require.Equal(t, 17, m.Width)
			require.Equal(t, 11, m.Height)
			for p, v := range m.Data {
				if v != 0 {
					t.Fatalf("ksize %d map %d pixel %d = %g, want 0", ksize, i, p, v)
				}
			}
		}
	}
}

func TestSharpnessRejectsMixedSizes(t *testing.T) {
	s := newTestStacker(t, testOptions(), Capabilities{})
	_, err := s.Sharpness(context.Background(), []*imaging.Image{
		imaging.NewUniform(8, 8, red),
		imaging.NewUniform(9, 8, red),
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func blurCopy(t *testing.T, img *imaging.Image, ksize int) *imaging.Image {
	t.Helper()
	blurred, err := imaging.KernelFilter{}.Blur(img.Gray(), ksize)
	require.NoError(t, err)
	out := imaging.NewImage(img.Width, img.Height)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := blurred.At(x, y)
			out.SetRGB(x, y, [3]uint8{v, v, v})
		}
	}
	return out
}

func TestCompositeSelectsSharperFrame(t *testing.T) {
	sharp := render(48, 48, 0, 0, blockScene(3, 4))
	soft := blurCopy(t, sharp, 9)

	s := newTestStacker(t, testOptions(), Capabilities{})
	for _, order := range [][]*imaging.Image{{sharp, soft}, {soft, sharp}} {
		maps, err := s.Sharpness(context.Background(), order)
		require.NoError(t, err)
		out, winners, err := Composite(order, maps)
		require.NoError(t, err)

		sharpIdx := 0
		if order[1] == sharp {
			sharpIdx = 1
		}
		var differ, sharpWins int
		for p := range maps[0].Data {
			a, b := abs(maps[0].Data[p]), abs(maps[1].Data[p])
			if a == b {
				continue
			}
			differ++
			want := 0
			if b > a {
				want = 1
			}
			x, y := p%48, p/48
			require.Equal(t, want, winners.At(x, y), "pixel (%d,%d)", x, y)
			require.Equal(t, order[want].RGB(x, y), out.RGB(x, y), "pixel (%d,%d)", x, y)
			if want == sharpIdx {
				sharpWins++
			}
		}
		require.Positive(t, differ)
		assert.Greater(t, sharpWins, differ/2, "the unblurred frame should win most contested pixels")
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestCompositeSingleFrameIsUnchanged(t *testing.T) {
	img := render(40, 30, 0, 0, blockScene(11, 5))
	s := newTestStacker(t, testOptions(), Capabilities{})

	res, err := s.Stack(context.Background(), []*imaging.Image{img})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(img.Pix, res.Image.Pix))
	assert.Equal(t, []int{40 * 30}, res.Contributions)
}

func TestCompositeTieGoesToEarlierFrame(t *testing.T) {
	frames := []*imaging.Image{imaging.NewUniform(6, 5, blue), imaging.NewUniform(6, 5, red)}
	maps := []*imaging.Map{imaging.NewMap(6, 5), imaging.NewMap(6, 5)}

	var first []uint8
	for run := 0; run < 5; run++ {
		out, winners, err := Composite(frames, maps)
		require.NoError(t, err)
		for _, idx := range winners.Index {
			require.Zero(t, idx)
		}
		if first == nil {
			first = out.Pix
			assert.Empty(t, cmp.Diff(frames[0].Pix, out.Pix))
			continue
		}
		assert.Empty(t, cmp.Diff(first, out.Pix), "run %d differs", run)
	}
}

func TestCompositeValidatesInputs(t *testing.T) {
	frame := imaging.NewUniform(4, 4, red)

	_, _, err := Composite(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyStack)

	_, _, err = Composite([]*imaging.Image{frame, frame}, []*imaging.Map{imaging.NewMap(4, 4)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = Composite([]*imaging.Image{frame}, []*imaging.Map{imaging.NewMap(4, 5)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = Composite([]*imaging.Image{frame, imaging.NewUniform(5, 4, red)},
		[]*imaging.Map{imaging.NewMap(4, 4), imaging.NewMap(5, 4)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// checkerFrame paints a single colour with a 2x2 checker patch in the
// quadrant whose top-left corner is (qx, qy).
func checkerFrame(bg [3]uint8, qx, qy int) *imaging.Image {
	img := imaging.NewUniform(4, 4, bg)
	img.SetRGB(qx+1, qy, white)
	img.SetRGB(qx, qy+1, white)
	return img
}

func TestStackQuadrantScenario(t *testing.T) {
	frames := []*imaging.Image{
		checkerFrame(red, 0, 0),
		checkerFrame(green, 2, 0),
		checkerFrame(blue, 0, 2),
	}
	opts := testOptions()
	opts.BlurKernel, opts.EdgeKernel = 1, 1
	s := newTestStacker(t, opts, Capabilities{Detector: corners(4, 4)})

	res, err := s.Stack(context.Background(), frames)
	require.NoError(t, err)
	for i, tr := range res.Alignment.Transforms {
		assert.True(t, tr.Homography.IsIdentity(1e-9), "frame %d: %s", i, tr.Homography)
	}

	// The 3x3 Laplacian aperture lets frame 2's patch reach (2,2); the rest
	// of the featureless quadrant ties at zero and falls back to frame 0.
	want := [][]int{
		{0, 0, 1, 1},
		{0, 0, 1, 1},
		{2, 2, 2, 0},
		{2, 2, 0, 0},
	}
	got := make([][]int, 4)
	for y := range got {
		got[y] = make([]int, 4)
		for x := range got[y] {
			got[y][x] = res.Winners.At(x, y)
			assert.Equal(t, frames[got[y][x]].RGB(x, y), res.Image.RGB(x, y), "pixel (%d,%d)", x, y)
		}
	}
	assert.Empty(t, cmp.Diff(want, got))

	quadrant := func(qx, qy int) []int {
		counts := make([]int, 3)
		for y := qy; y < qy+2; y++ {
			for x := qx; x < qx+2; x++ {
				counts[res.Winners.At(x, y)]++
			}
		}
		return counts
	}
	assert.Equal(t, []int{4, 0, 0}, quadrant(0, 0))
	assert.Equal(t, []int{0, 4, 0}, quadrant(2, 0))
	assert.Equal(t, []int{0, 0, 4}, quadrant(0, 2))
	assert.Equal(t, []int{3, 0, 1}, quadrant(2, 2))
	assert.Equal(t, red, res.Image.RGB(3, 3))
	assert.Equal(t, []int{7, 4, 5}, res.Contributions)
}

func TestStackQuadrantScenarioTooSmallForDefaultDetector(t *testing.T) {
	frames := []*imaging.Image{
		checkerFrame(red, 0, 0),
		checkerFrame(green, 2, 0),
		checkerFrame(blue, 0, 2),
	}
	s := newTestStacker(t, testOptions(), Capabilities{})
	_, err := s.Stack(context.Background(), frames)
	assert.ErrorIs(t, err, ErrInsufficientCorrespondence)
}

func TestStackHonoursCancellation(t *testing.T) {
	frames := []*imaging.Image{
		imaging.NewUniform(8, 8, red),
		imaging.NewUniform(8, 8, green),
		imaging.NewUniform(8, 8, blue),
	}
	s := newTestStacker(t, testOptions(), Capabilities{Detector: corners(8, 8)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stack(ctx, frames)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStackEmpty(t *testing.T) {
	s := newTestStacker(t, testOptions(), Capabilities{})
	_, err := s.Stack(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyStack)
}

type brokenWarper struct{}

func (brokenWarper) Warp(*imaging.Image, geometry.Homography, int, int) (*imaging.Image, error) {
	return nil, errors.New("out of memory")
}

func TestStackWrapsCollaboratorFailure(t *testing.T) {
	frames := []*imaging.Image{imaging.NewUniform(8, 8, red), imaging.NewUniform(8, 8, green)}
	s := newTestStacker(t, testOptions(), Capabilities{Detector: corners(8, 8), Warper: brokenWarper{}})

	_, err := s.Stack(context.Background(), frames)
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "warper", ce.Collaborator)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Index)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	cases := map[string]func(*Options){
		"even blur":      func(o *Options) { o.BlurKernel = 4 },
		"zero edge":      func(o *Options) { o.EdgeKernel = 0 },
		"few matches":    func(o *Options) { o.MaxMatches = 3 },
		"ratio":          func(o *Options) { o.RatioThreshold = 1.5 },
		"reprojection":   func(o *Options) { o.ReprojThreshold = 0 },
		"policy":         func(o *Options) { o.FailurePolicy = "retry" },
		"unknown detect": func(o *Options) { o.Detector = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := testOptions()
			mutate(&opts)
			_, err := New(opts, Capabilities{}, quietLogger())
			assert.Error(t, err)
		})
	}

	opts := testOptions()
	opts.BlurKernel = 2
	_, err := New(opts, Capabilities{}, quietLogger())
	assert.ErrorIs(t, err, imaging.ErrKernelSize)
}

type countingFilter struct {
	imaging.KernelFilter
	mu    sync.Mutex
	calls int
}

func (f *countingFilter) Laplacian(src *imaging.Gray, ksize int) (*imaging.Map, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.KernelFilter.Laplacian(src, ksize)
}

func TestBackendSuppliesUnsetCapabilities(t *testing.T) {
	filter := &countingFilter{}
	RegisterBackend("counting", func() Capabilities { return Capabilities{Filter: filter} })
	assert.Contains(t, Backends(), "counting")
	assert.Contains(t, Backends(), BackendGo)

	opts := testOptions()
	opts.Backend = "counting"
	s := newTestStacker(t, opts, Capabilities{})
	frames := []*imaging.Image{imaging.NewUniform(8, 8, red), imaging.NewUniform(8, 8, red)}
	_, err := s.Sharpness(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, 2, filter.calls)

	// Explicit capabilities win over the backend.
	s = newTestStacker(t, opts, Capabilities{Filter: imaging.KernelFilter{}})
	_, err = s.Sharpness(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, 2, filter.calls)

	opts.Backend = "missing"
	assert.Error(t, opts.Validate())
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAbort, p)
	p, err = ParseFailurePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
	_, err = ParseFailurePolicy("ignore")
	assert.Error(t, err)
}

func TestStackWritesDebugDumps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "debug")
	frames := []*imaging.Image{checkerFrame(red, 0, 0), checkerFrame(green, 2, 0)}
	opts := testOptions()
	opts.DebugDir = dir
	s := newTestStacker(t, opts, Capabilities{Detector: corners(4, 4)})

	_, err := s.Stack(context.Background(), frames)
	require.NoError(t, err)
	for _, name := range []string{
		"aligned_0.png", "aligned_1.png",
		"sharpness_0.png", "sharpness_1.png",
		"winners.png", "contribution.png",
	} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestWinnerMapCounts(t *testing.T) {
	w := &WinnerMap{Width: 3, Height: 1, Index: []uint16{0, 2, 2}}
	assert.Equal(t, []int{1, 0, 2}, w.Counts(3))
	img := WinnerImage(w, 3)
	assert.Equal(t, img.RGB(1, 0), img.RGB(2, 0))
	assert.NotEqual(t, img.RGB(0, 0), img.RGB(1, 0))
}
