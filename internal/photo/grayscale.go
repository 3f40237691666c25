package photo

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// BT.709 luma weights.
const (
	LumaR = 0.2126
	LumaG = 0.7152
	LumaB = 0.0722
)

// Luma returns the BT.709 luminance of an 8-bit RGB triple.
func Luma(r, g, b uint8) uint8 {
	y := LumaR*float64(r) + LumaG*float64(g) + LumaB*float64(b)
	return uint8(math.Min(255, math.Round(y)))
}

// Grayscale maps every pixel to its BT.709 luminance, keeping alpha.
func Grayscale(img image.Image) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		y := Luma(c.R, c.G, c.B)
		return color.NRGBA{R: y, G: y, B: y, A: c.A}
	})
}

// GrayscaleJPEG re-encodes a JPEG in grayscale at the given quality.
func GrayscaleJPEG(jpegBytes []byte, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return nil, fmt.Errorf("photo: decode jpeg: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Grayscale(img), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("photo: encode grayscale: %w", err)
	}
	return buf.Bytes(), nil
}
