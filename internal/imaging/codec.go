package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when a codec cannot encode the requested
// extension.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Codec reads and writes images on disk.
type Codec interface {
	Name() string
	Decode(path string) (*Image, error)
	Encode(img *Image, path string) error
}

// StdCodec uses the Go image decoders: png, jpeg, gif, bmp, tiff and webp
// (decode only).
type StdCodec struct {
	JPEGQuality int
}

// Name implements Codec.
func (StdCodec) Name() string { return "std" }

// Decode implements Codec.
func (StdCodec) Decode(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(src), nil
}

// Encode implements Codec. The format follows the file extension.
func (c StdCodec) Encode(img *Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	out := img.NRGBA()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, out)
	case ".jpg", ".jpeg":
		q := c.JPEGQuality
		if q <= 0 {
			q = 95
		}
		err = jpeg.Encode(f, out, &jpeg.Options{Quality: q})
	case ".tif", ".tiff":
		err = tiff.Encode(f, out, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		err = bmp.Encode(f, out)
	default:
		err = fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// EncodeGray writes an intensity raster through the codec.
func EncodeGray(c Codec, g *Gray, path string) error {
	im := NewImage(g.Width, g.Height)
	for i, v := range g.Pix {
		im.Pix[i*3], im.Pix[i*3+1], im.Pix[i*3+2] = v, v, v
	}
	return c.Encode(im, path)
}
