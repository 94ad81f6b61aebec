package focus

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"focusstack/internal/imaging"
)

// Dumper receives intermediate products of a run for inspection.
type Dumper interface {
	DumpAligned(index int, img *imaging.Image) error
	DumpSharpness(index int, m *imaging.Map) error
	DumpWinners(w *WinnerMap, frames int) error
	DumpContributions(counts []int, sources []int) error
}

// FileDumper writes debug images into a directory:
// aligned_<i>.png, sharpness_<i>.png, winners.png and contribution.png.
type FileDumper struct {
	dir   string
	codec imaging.Codec
}

// NewFileDumper returns a dumper writing into dir with codec.
func NewFileDumper(dir string, codec imaging.Codec) *FileDumper {
	return &FileDumper{dir: dir, codec: codec}
}

func (d *FileDumper) path(name string) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create debug dir: %w", err)
	}
	return filepath.Join(d.dir, name), nil
}

// DumpAligned writes aligned_<index>.png.
func (d *FileDumper) DumpAligned(index int, img *imaging.Image) error {
	p, err := d.path(fmt.Sprintf("aligned_%d.png", index))
	if err != nil {
		return err
	}
	return d.codec.Encode(img, p)
}

// DumpSharpness writes the |Laplacian| map scaled to 0..255.
func (d *FileDumper) DumpSharpness(index int, m *imaging.Map) error {
	p, err := d.path(fmt.Sprintf("sharpness_%d.png", index))
	if err != nil {
		return err
	}
	return imaging.EncodeGray(d.codec, m.Normalized(), p)
}

// DumpWinners writes the winner map with one colour per frame.
func (d *FileDumper) DumpWinners(w *WinnerMap, frames int) error {
	p, err := d.path("winners.png")
	if err != nil {
		return err
	}
	return d.codec.Encode(WinnerImage(w, frames), p)
}

// DumpContributions writes a bar chart of pixels won per frame.
func (d *FileDumper) DumpContributions(counts []int, sources []int) error {
	p, err := d.path("contribution.png")
	if err != nil {
		return err
	}

	pl := plot.New()
	pl.Title.Text = "Pixels contributed per frame"
	pl.X.Label.Text = "Frame"
	pl.Y.Label.Text = "Pixels"

	values := make(plotter.Values, len(counts))
	labels := make([]string, len(counts))
	for i, c := range counts {
		values[i] = float64(c)
		if i < len(sources) {
			labels[i] = fmt.Sprint(sources[i])
		} else {
			labels[i] = fmt.Sprint(i)
		}
	}
	bars, err := plotter.NewBarChart(values, vg.Points(18))
	if err != nil {
		return fmt.Errorf("contribution chart: %w", err)
	}
	bars.Color = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	pl.Add(bars)
	pl.NominalX(labels...)

	width := vg.Length(math.Max(4, float64(len(counts))*0.4)) * vg.Inch
	if err := pl.Save(width, 4*vg.Inch, p); err != nil {
		return fmt.Errorf("save contribution chart: %w", err)
	}
	return nil
}

// WinnerImage colour-codes a winner map, one hue per frame.
func WinnerImage(w *WinnerMap, frames int) *imaging.Image {
	palette := make([][3]uint8, frames)
	for i := range palette {
		palette[i] = hue(float64(i) * 0.618033988749895)
	}
	img := imaging.NewImage(w.Width, w.Height)
	for p, idx := range w.Index {
		if int(idx) < frames {
			copy(img.Pix[p*3:p*3+3], palette[idx][:])
		}
	}
	return img
}

// hue maps the fractional part of h to a fully saturated colour.
func hue(h float64) [3]uint8 {
	h = (h - math.Floor(h)) * 6
	x := 1 - math.Abs(math.Mod(h, 2)-1)
	var r, g, b float64
	switch int(h) {
	case 0:
		r, g = 1, x
	case 1:
		r, g = x, 1
	case 2:
		g, b = 1, x
	case 3:
		g, b = x, 1
	case 4:
		r, b = x, 1
	default:
		r, b = 1, x
	}
	return [3]uint8{uint8(r * 255), uint8(g * 255), uint8(b * 255)}
}
