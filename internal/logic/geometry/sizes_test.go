package geometry

import (
	"testing"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

func sz(w, h int) camera.Size { return camera.Size{Width: w, Height: h} }

func TestChoosePreviewSize(t *testing.T) {
	tests := []struct {
		name     string
		choices  []camera.Size
		maxWidth int
		want     camera.Size
	}{
		{"largest 4:3 under cap", []camera.Size{sz(1920, 1080), sz(1440, 1080), sz(1280, 960), sz(640, 480)}, 1440, sz(1440, 1080)},
		{"tighter cap", []camera.Size{sz(1920, 1080), sz(1440, 1080), sz(1280, 960), sz(640, 480)}, 1280, sz(1280, 960)},
		{"no 4:3 falls back to largest", []camera.Size{sz(1280, 720), sz(1920, 1080)}, 1440, sz(1920, 1080)},
		{"4:3 too wide falls back to largest", []camera.Size{sz(4000, 3000), sz(1920, 1080)}, 1440, sz(4000, 3000)},
		{"empty", nil, 1440, sz(1440, 1080)},
		{"zero cap uses default", []camera.Size{sz(2048, 1536), sz(1440, 1080)}, 0, sz(1440, 1080)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChoosePreviewSize(tt.choices, tt.maxWidth); got != tt.want {
				t.Errorf("ChoosePreviewSize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLargestSize(t *testing.T) {
	if got := LargestSize([]camera.Size{sz(640, 480), sz(4000, 3000), sz(1920, 1080)}, sz(1, 1)); got != sz(4000, 3000) {
		t.Errorf("LargestSize = %v", got)
	}
	if got := LargestSize(nil, sz(4000, 3000)); got != sz(4000, 3000) {
		t.Errorf("LargestSize(nil) should return fallback, got %v", got)
	}
}

func TestThumbnailSampleFactor(t *testing.T) {
	tests := []struct {
		w, h, want int
	}{
		{4000, 3000, 10},
		{3000, 4000, 10},
		{2048, 1536, 6},
		{401, 300, 2},
		{400, 300, 1},
		{320, 240, 1},
	}
	for _, tt := range tests {
		got := ThumbnailSampleFactor(tt.w, tt.h, 400)
		if got != tt.want {
			t.Errorf("ThumbnailSampleFactor(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
		if long := max(tt.w, tt.h) / got; long > 400 {
			t.Errorf("%dx%d / %d leaves long edge %d > 400", tt.w, tt.h, got, long)
		}
	}
}
