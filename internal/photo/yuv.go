// Package photo turns sensor buffers into files: YUV→JPEG for zero-shutter-lag
// frames, preview thumbnails, grayscale rendering, EXIF orientation and DNG.
package photo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

var errShortPlane = errors.New("photo: plane shorter than its geometry")

// YUVToNV21 packs a YUV_420_888 buffer (Y, U, V planes with arbitrary row
// and pixel strides) into NV21: the full Y plane followed by interleaved
// V/U samples at quarter resolution.
func YUVToNV21(w, h int, planes []camera.Plane) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("photo: invalid size %dx%d", w, h)
	}
	if len(planes) < 3 {
		return nil, fmt.Errorf("photo: need 3 planes, got %d", len(planes))
	}
	yp, up, vp := planes[0], planes[1], planes[2]
	cw, ch := (w+1)/2, (h+1)/2
	out := make([]byte, w*h+cw*ch*2)

	ys := max(yp.RowStride, w)
	if len(yp.Data) < ys*(h-1)+w {
		return nil, errShortPlane
	}
	for row := 0; row < h; row++ {
		copy(out[row*w:(row+1)*w], yp.Data[row*ys:row*ys+w])
	}

	ups, vps := max(up.PixelStride, 1), max(vp.PixelStride, 1)
	last := func(p camera.Plane, ps int) int { return p.RowStride*(ch-1) + ps*(cw-1) }
	if len(up.Data) <= last(up, ups) || len(vp.Data) <= last(vp, vps) {
		return nil, errShortPlane
	}
	dst := w * h
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			out[dst] = vp.Data[row*vp.RowStride+col*vps]
			out[dst+1] = up.Data[row*up.RowStride+col*ups]
			dst += 2
		}
	}
	return out, nil
}

// NV21ToJPEG encodes an NV21 buffer as a baseline JPEG.
func NV21ToJPEG(nv21 []byte, w, h, quality int) ([]byte, error) {
	cw, ch := (w+1)/2, (h+1)/2
	if len(nv21) < w*h+cw*ch*2 {
		return nil, errShortPlane
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for row := 0; row < h; row++ {
		copy(img.Y[row*img.YStride:row*img.YStride+w], nv21[row*w:(row+1)*w])
	}
	src := w * h
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			img.Cr[row*img.CStride+col] = nv21[src]
			img.Cb[row*img.CStride+col] = nv21[src+1]
			src += 2
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("photo: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// YUVToJPEG chains YUVToNV21 and NV21ToJPEG.
func YUVToJPEG(w, h int, planes []camera.Plane, quality int) ([]byte, error) {
	nv21, err := YUVToNV21(w, h, planes)
	if err != nil {
		return nil, err
	}
	return NV21ToJPEG(nv21, w, h, quality)
}
