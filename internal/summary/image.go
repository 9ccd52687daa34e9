package summary

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	maxImageSide  = 2048
	maxImageBytes = 1 << 20
	jpegQuality   = 90
	// fallbackQuality is tried once when the first encode is over maxImageBytes.
	fallbackQuality = 80
)

var ErrImageTooLarge = errors.New("image too large after re-encoding")

// prepareImage decodes path, shrinks it to fit maxImageSide and encodes it as
// JPEG under maxImageBytes.
func prepareImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img := fitWithin(src, maxImageSide)

	out, err := encodeJPEG(img, jpegQuality)
	if err != nil {
		return nil, err
	}
	if len(out) <= maxImageBytes {
		return out, nil
	}
	out, err = encodeJPEG(img, fallbackQuality)
	if err != nil {
		return nil, err
	}
	if len(out) > maxImageBytes {
		return nil, fmt.Errorf("%w: %s %d bytes", ErrImageTooLarge, format, len(out))
	}
	return out, nil
}

// fitWithin scales img down, keeping its aspect ratio, so that neither side
// exceeds side. Smaller images are returned unchanged.
func fitWithin(img image.Image, side int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= side && h <= side {
		return img
	}
	nw, nh := side, side
	if w >= h {
		nh = h * side / w
	} else {
		nw = w * side / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// encodeJPEG drops any alpha channel by drawing onto an opaque RGBA first.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if _, opaque := img.(*image.YCbCr); !opaque {
		b := img.Bounds()
		rgb := image.NewRGBA(b)
		draw.Draw(rgb, b, image.White, image.Point{}, draw.Src)
		draw.Draw(rgb, b, img, b.Min, draw.Over)
		img = rgb
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
