package magick

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusstack/internal/imaging"
)

func TestMain(m *testing.M) {
	stop := Start()
	code := m.Run()
	stop()
	os.Exit(code)
}

func gradient(w, h int) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGB(x, y, [3]uint8{uint8(x * 10), uint8(y * 20), uint8((x + y) * 5)})
		}
	}
	return img
}

func TestLosslessRoundTrip(t *testing.T) {
	c := New(0)
	src := gradient(12, 8)
	for _, ext := range []string{".png", ".tif"} {
		path := filepath.Join(t.TempDir(), "frame"+ext)
		require.NoError(t, c.Encode(src, path), ext)

		got, err := c.Decode(path)
		require.NoError(t, err, ext)
		assert.Equal(t, src.Width, got.Width, ext)
		assert.Equal(t, src.Height, got.Height, ext)
		assert.Equal(t, src.Pix, got.Pix, ext)
	}
}

func TestReadsStdCodecOutput(t *testing.T) {
	src := gradient(6, 5)
	path := filepath.Join(t.TempDir(), "std.png")
	require.NoError(t, imaging.StdCodec{}.Encode(src, path))

	got, err := New(90).Decode(path)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, got.Pix)
}

func TestEncodeWithoutExtension(t *testing.T) {
	err := New(90).Encode(gradient(2, 2), filepath.Join(t.TempDir(), "noext"))
	assert.True(t, errors.Is(err, imaging.ErrUnsupportedFormat))
}

func TestDecodeMissing(t *testing.T) {
	_, err := New(90).Decode(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
