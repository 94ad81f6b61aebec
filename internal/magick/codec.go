// Package magick decodes and encodes frames through ImageMagick, which
// reads camera RAW and every other format the library was built with.
package magick

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"focusstack/internal/imaging"
)

var (
	initOnce sync.Once
	refs     sync.WaitGroup
)

// Start initializes the ImageMagick environment. The returned function
// terminates it once every codec call in flight has finished; call it on
// process exit.
func Start() func() {
	initOnce.Do(imagick.Initialize)
	return func() {
		refs.Wait()
		imagick.Terminate()
	}
}

// Codec implements imaging.Codec on top of MagickWand.
type Codec struct {
	Quality uint
}

// New returns a codec writing lossy formats at quality (1-100).
func New(quality int) Codec {
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	return Codec{Quality: uint(quality)}
}

// Name implements imaging.Codec.
func (Codec) Name() string { return "magick" }

// Decode implements imaging.Codec.
func (Codec) Decode(path string) (*imaging.Image, error) {
	initOnce.Do(imagick.Initialize)
	refs.Add(1)
	defer refs.Done()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	// Multi-page inputs (layered TIFF, RAW with previews) use the first page.
	mw.SetFirstIterator()
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("orient %s: %w", path, err)
	}
	if err := mw.TransformImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("colorspace %s: %w", path, err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels %s: %w", path, err)
	}
	pix, ok := raw.([]byte)
	if !ok || len(pix) != int(w*h*3) {
		return nil, fmt.Errorf("export pixels %s: unexpected buffer", path)
	}
	return &imaging.Image{Width: int(w), Height: int(h), Pix: pix}, nil
}

// Encode implements imaging.Codec. The format follows the file extension.
func (c Codec) Encode(img *imaging.Image, path string) error {
	initOnce.Do(imagick.Initialize)
	refs.Add(1)
	defer refs.Done()

	format := strings.TrimPrefix(strings.ToUpper(filepath.Ext(path)), ".")
	if format == "" {
		return fmt.Errorf("%s: %w", path, imaging.ErrUnsupportedFormat)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), "RGB", imagick.PIXEL_CHAR, img.Pix); err != nil {
		return fmt.Errorf("constitute image: %w", err)
	}
	if err := mw.SetImageDepth(8); err != nil {
		return err
	}
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("%s: %w", path, imaging.ErrUnsupportedFormat)
	}
	if format == "TIF" || format == "TIFF" {
		if err := mw.SetImageCompression(imagick.COMPRESSION_ZIP); err != nil {
			return err
		}
	}
	if err := mw.SetImageCompressionQuality(c.Quality); err != nil {
		return err
	}
	if err := mw.WriteImage(path); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
