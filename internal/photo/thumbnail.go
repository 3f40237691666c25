package photo

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/ZeroCam/internal/logic/geometry"
)

// ThumbnailEdge bounds the long edge of preview thumbnails.
const ThumbnailEdge = 400

// Thumbnail decodes a downsampled preview of a JPEG. The header is read
// first to pick an integer subsample factor that brings the long edge to
// at most edge pixels.
func Thumbnail(jpegBytes []byte, edge int) (image.Image, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(jpegBytes))
	if err != nil {
		return nil, fmt.Errorf("photo: read jpeg header: %w", err)
	}
	factor := geometry.ThumbnailSampleFactor(cfg.Width, cfg.Height, edge)

	img, err := imaging.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return nil, fmt.Errorf("photo: decode jpeg: %w", err)
	}
	if factor == 1 {
		return img, nil
	}
	w, h := max(cfg.Width/factor, 1), max(cfg.Height/factor, 1)
	return imaging.Resize(img, w, h, imaging.Box), nil
}
