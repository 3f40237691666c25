package geometry

import (
	"math"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// Preview size selection constants.
const (
	PreviewRatio     = 4.0 / 3.0
	RatioTolerance   = 0.1
	PreviewMaxWidth  = 1440
	PreviewFallbackW = 1440
	PreviewFallbackH = 1080
)

// ChoosePreviewSize picks the largest near-4:3 size no wider than maxWidth.
// If nothing matches, the overall largest size wins; with no choices at
// all, 1440×1080 is returned.
func ChoosePreviewSize(choices []camera.Size, maxWidth int) camera.Size {
	if len(choices) == 0 {
		return camera.Size{Width: PreviewFallbackW, Height: PreviewFallbackH}
	}
	if maxWidth <= 0 {
		maxWidth = PreviewMaxWidth
	}

	var best camera.Size
	found := false
	for _, s := range choices {
		if s.Height <= 0 {
			continue
		}
		ratio := float64(s.Width) / float64(s.Height)
		if math.Abs(ratio-PreviewRatio) >= RatioTolerance || s.Width > maxWidth {
			continue
		}
		if !found || s.Area() > best.Area() {
			best, found = s, true
		}
	}
	if found {
		return best
	}
	return LargestSize(choices, camera.Size{Width: PreviewFallbackW, Height: PreviewFallbackH})
}

// LargestSize returns the size with the largest area, or fallback when
// choices is empty. Ties keep the first.
func LargestSize(choices []camera.Size, fallback camera.Size) camera.Size {
	if len(choices) == 0 {
		return fallback
	}
	best := choices[0]
	for _, s := range choices[1:] {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best
}

// ThumbnailSampleFactor returns the integer subsample factor bringing the
// long edge of a w×h image to at most target pixels.
// Formula: factor = ⌈max(w, h) / target⌉, at least 1.
func ThumbnailSampleFactor(w, h, target int) int {
	long := max(w, h)
	if target <= 0 || long <= target {
		return 1
	}
	return (long + target - 1) / target
}
