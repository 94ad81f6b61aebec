package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Image is a dense 8-bit RGB raster stored row-major, three bytes per pixel.
type Image struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewImage allocates a black image of the given size.
func NewImage(width, height int) *Image {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &Image{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// NewUniform allocates an image filled with a single colour.
func NewUniform(width, height int, c [3]uint8) *Image {
	im := NewImage(width, height)
	for i := 0; i < len(im.Pix); i += 3 {
		im.Pix[i], im.Pix[i+1], im.Pix[i+2] = c[0], c[1], c[2]
	}
	return im
}

func (im *Image) offset(x, y int) int { return (y*im.Width + x) * 3 }

// RGB returns the colour at (x, y).
func (im *Image) RGB(x, y int) [3]uint8 {
	o := im.offset(x, y)
	return [3]uint8{im.Pix[o], im.Pix[o+1], im.Pix[o+2]}
}

// SetRGB stores c at (x, y).
func (im *Image) SetRGB(x, y int, c [3]uint8) {
	o := im.offset(x, y)
	im.Pix[o], im.Pix[o+1], im.Pix[o+2] = c[0], c[1], c[2]
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{Width: im.Width, Height: im.Height, Pix: make([]uint8, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Size reports the image dimensions as "WxH".
func (im *Image) Size() string {
	return fmt.Sprintf("%dx%d", im.Width, im.Height)
}

// SameSize reports whether both rasters have identical dimensions.
func (im *Image) SameSize(other *Image) bool {
	return other != nil && im.Width == other.Width && im.Height == other.Height
}

// Gray converts to single-channel intensity using the BT.601 fixed-point
// weights (R*4899 + G*9617 + B*1868) >> 14 with rounding.
func (im *Image) Gray() *Gray {
	g := NewGray(im.Width, im.Height)
	for i, j := 0, 0; j < len(g.Pix); i, j = i+3, j+1 {
		r, gg, b := uint32(im.Pix[i]), uint32(im.Pix[i+1]), uint32(im.Pix[i+2])
		g.Pix[j] = uint8((r*4899 + gg*9617 + b*1868 + 8192) >> 14)
	}
	return g
}

// FromImage copies any image.Image into an RGB raster. Alpha is discarded.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	im := NewImage(b.Dx(), b.Dy())
	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < im.Height; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+im.Width*4]
			for x := 0; x < im.Width; x++ {
				o := im.offset(x, y)
				im.Pix[o], im.Pix[o+1], im.Pix[o+2] = row[x*4], row[x*4+1], row[x*4+2]
			}
		}
	case *image.Gray:
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				v := s.Pix[y*s.Stride+x]
				o := im.offset(x, y)
				im.Pix[o], im.Pix[o+1], im.Pix[o+2] = v, v, v
			}
		}
	default:
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				o := im.offset(x, y)
				im.Pix[o], im.Pix[o+1], im.Pix[o+2] = c.R, c.G, c.B
			}
		}
	}
	return im
}

// NRGBA converts the raster to an opaque *image.NRGBA for encoding.
func (im *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			o := im.offset(x, y)
			d := y*out.Stride + x*4
			out.Pix[d], out.Pix[d+1], out.Pix[d+2], out.Pix[d+3] = im.Pix[o], im.Pix[o+1], im.Pix[o+2], 0xff
		}
	}
	return out
}

// Gray is a single-channel 8-bit raster.
type Gray struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGray allocates a zeroed intensity raster.
func NewGray(width, height int) *Gray {
	return &Gray{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the intensity at (x, y).
func (g *Gray) At(x, y int) uint8 { return g.Pix[y*g.Width+x] }

// Set stores v at (x, y).
func (g *Gray) Set(x, y int, v uint8) { g.Pix[y*g.Width+x] = v }

// Image wraps the raster as an *image.Gray sharing no memory.
func (g *Gray) Image() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	copy(out.Pix, g.Pix)
	return out
}

// Map is a single-channel float64 raster, used for signed filter responses.
type Map struct {
	Width  int
	Height int
	Data   []float64
}

// NewMap allocates a zeroed map.
func NewMap(width, height int) *Map {
	return &Map{Width: width, Height: height, Data: make([]float64, width*height)}
}

// At returns the value at (x, y).
func (m *Map) At(x, y int) float64 { return m.Data[y*m.Width+x] }

// Set stores v at (x, y).
func (m *Map) Set(x, y int, v float64) { m.Data[y*m.Width+x] = v }

// MaxAbs returns the largest absolute value in the map.
func (m *Map) MaxAbs() float64 {
	var peak float64
	for _, v := range m.Data {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// Normalized renders |m| scaled so the peak maps to 255. An all-zero map
// renders black.
func (m *Map) Normalized() *Gray {
	g := NewGray(m.Width, m.Height)
	peak := m.MaxAbs()
	if peak == 0 {
		return g
	}
	for i, v := range m.Data {
		g.Pix[i] = uint8(math.Round(math.Abs(v) / peak * 255))
	}
	return g
}
