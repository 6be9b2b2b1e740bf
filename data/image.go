package data

import (
	"image"
	_ "image/jpeg" // registers JPEG decoding
	_ "image/png"
	"os"

	"github.com/b0tShaman/densenet/ml"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ImageFeatures decodes a JPEG or PNG, resizes it to targetW x targetH and
// returns its grayscale pixels as a 1 x (targetW*targetH) row scaled to [0, 1].
func ImageFeatures(path string, targetW, targetH int) (*ml.Matrix, error) {
	pixels, err := GrayscalePixels(path, targetW, targetH)
	if err != nil {
		return nil, err
	}
	for i := range pixels {
		pixels[i] /= 255
	}
	return ml.NewMatrixFromSlice(1, len(pixels), pixels), nil
}

// GrayscalePixels returns the resized image as row-major gray levels in [0, 255].
func GrayscalePixels(path string, targetW, targetH int) ([]float64, error) {
	if targetW <= 0 || targetH <= 0 {
		return nil, errors.Wrapf(ml.ErrBadShape, "image size %dx%d", targetW, targetH)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ml.ErrIO, "opening %q: %v", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(ml.ErrFormat, "decoding %q: %v", path, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)

	out := make([]float64, 0, targetW*targetH)
	bounds := dst.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// ITU-R 601 luma
			gray := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out = append(out, gray)
		}
	}
	return out, nil
}
