package photo

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// semiPlanar lays out a w×h frame the way phones expose YUV_420_888:
// padded Y rows, chroma planes with pixel stride 2.
func semiPlanar(w, h, pad int) []camera.Plane {
	ys := w + pad
	y := make([]byte, ys*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y[row*ys+col] = uint8(row + col)
		}
	}
	cw, ch := w/2, h/2
	u := make([]byte, w*ch)
	v := make([]byte, w*ch)
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			u[row*w+col*2] = 100
			v[row*w+col*2] = 150
		}
	}
	return []camera.Plane{
		{Data: y, RowStride: ys, PixelStride: 1},
		{Data: u, RowStride: w, PixelStride: 2},
		{Data: v, RowStride: w, PixelStride: 2},
	}
}

func TestYUVToNV21_Layout(t *testing.T) {
	nv21, err := YUVToNV21(8, 4, semiPlanar(8, 4, 8))
	require.NoError(t, err)
	require.Len(t, nv21, 8*4+8*2)

	// Y rows are copied without padding.
	assert.Equal(t, uint8(0), nv21[0])
	assert.Equal(t, uint8(1+7), nv21[8+7])

	// Chroma is V then U.
	for i := 8 * 4; i < len(nv21); i += 2 {
		assert.Equal(t, uint8(150), nv21[i], "V at %d", i)
		assert.Equal(t, uint8(100), nv21[i+1], "U at %d", i+1)
	}
}

func TestYUVToNV21_Errors(t *testing.T) {
	_, err := YUVToNV21(8, 4, semiPlanar(8, 4, 0)[:2])
	assert.Error(t, err)

	planes := semiPlanar(8, 4, 0)
	planes[0].Data = planes[0].Data[:10]
	_, err = YUVToNV21(8, 4, planes)
	assert.ErrorIs(t, err, errShortPlane)

	_, err = YUVToNV21(0, 4, planes)
	assert.Error(t, err)
}

func TestYUVToJPEG_Decodes(t *testing.T) {
	out, err := YUVToJPEG(64, 48, semiPlanar(64, 48, 16), 100)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestNV21ToJPEG_ShortBuffer(t *testing.T) {
	_, err := NV21ToJPEG(make([]byte, 10), 64, 48, 100)
	assert.ErrorIs(t, err, errShortPlane)
}

func TestThumbnail_BoundsLongEdge(t *testing.T) {
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1024, 768, 341, 256}, // factor 3
		{768, 1024, 256, 341},
		{800, 600, 400, 300}, // factor 2
		{320, 240, 320, 240}, // untouched
	}
	for _, tt := range tests {
		img, err := Thumbnail(testJPEG(t, tt.w, tt.h), ThumbnailEdge)
		require.NoError(t, err)
		b := img.Bounds()
		assert.Equal(t, tt.wantW, b.Dx(), "%dx%d width", tt.w, tt.h)
		assert.Equal(t, tt.wantH, b.Dy(), "%dx%d height", tt.w, tt.h)
		assert.LessOrEqual(t, max(b.Dx(), b.Dy()), ThumbnailEdge)
	}
}

func TestThumbnail_Garbage(t *testing.T) {
	_, err := Thumbnail([]byte("not a jpeg"), ThumbnailEdge)
	assert.Error(t, err)
}

func TestLuma(t *testing.T) {
	assert.Equal(t, uint8(0), Luma(0, 0, 0))
	assert.Equal(t, uint8(255), Luma(255, 255, 255))
	assert.Equal(t, uint8(54), Luma(255, 0, 0))  // 0.2126*255 = 54.2
	assert.Equal(t, uint8(182), Luma(0, 255, 0)) // 0.7152*255 = 182.4
	assert.Equal(t, uint8(18), Luma(0, 0, 255))  // 0.0722*255 = 18.4
}

func TestGrayscale(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 128})

	got := Grayscale(src)
	assert.Equal(t, color.NRGBA{R: 54, G: 54, B: 54, A: 255}, got.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 182, G: 182, B: 182, A: 128}, got.NRGBAAt(1, 0))
}

func TestGrayscaleJPEG(t *testing.T) {
	out, err := GrayscaleJPEG(testJPEG(t, 64, 32), 100)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())

	r, g, b, _ := img.At(40, 20).RGBA()
	assert.InDelta(t, r, g, 2*257)
	assert.InDelta(t, g, b, 2*257)

	_, err = GrayscaleJPEG([]byte{1, 2, 3}, 100)
	assert.Error(t, err)
}
