package summary

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir string, w, h int, fill func(x, y int) color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	path := filepath.Join(dir, "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestPrepareImage_SmallKeepsSize(t *testing.T) {
	path := writePNG(t, t.TempDir(), 64, 32, func(x, y int) color.Color {
		return color.NRGBA{R: uint8(x * 4), G: uint8(y * 8), B: 100, A: 128}
	})

	data, err := prepareImage(path)
	require.NoError(t, err)
	img := decodeJPEG(t, data)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestPrepareImage_Downscales(t *testing.T) {
	path := writePNG(t, t.TempDir(), 3000, 1500, func(x, y int) color.Color {
		return color.NRGBA{R: 200, G: 50, B: 50, A: 255}
	})

	data, err := prepareImage(path)
	require.NoError(t, err)
	img := decodeJPEG(t, data)
	assert.Equal(t, 2048, img.Bounds().Dx())
	assert.Equal(t, 1024, img.Bounds().Dy())
	assert.LessOrEqual(t, len(data), maxImageBytes)
}

func TestPrepareImage_GivesUpWhenStillTooLarge(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	path := writePNG(t, t.TempDir(), 2048, 2048, func(x, y int) color.Color {
		return color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
	})

	_, err := prepareImage(path)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestPrepareImage_Errors(t *testing.T) {
	_, err := prepareImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))
	_, err = prepareImage(bad)
	assert.ErrorContains(t, err, "decode image")
}

func TestFitWithin_Portrait(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1000, 5000))
	out := fitWithin(img, 2048)
	assert.Equal(t, 409, out.Bounds().Dx())
	assert.Equal(t, 2048, out.Bounds().Dy())
}
