package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// DefaultCharacteristics describes a typical phone main camera.
func DefaultCharacteristics() camera.Characteristics {
	return camera.Characteristics{
		Facing:            camera.FacingBack,
		SensorOrientation: 90,
		ISORange:          &camera.IntRange{Lower: 50, Upper: 1600},
		ExposureTimeRange: &camera.Int64Range{Lower: 100_000, Upper: 1_000_000_000},
		AECompRange:       &camera.IntRange{Lower: -12, Upper: 12},
		AECompStep:        1.0 / 6.0,
		MaxAFRegions:      1,
		MaxAERegions:      1,
		ActiveArray:       camera.Size{Width: 2048, Height: 1536},
		OutputSizes: map[camera.Format][]camera.Size{
			camera.FormatPrivate: {{Width: 1920, Height: 1080}, {Width: 1440, Height: 1080}, {Width: 1280, Height: 960}, {Width: 640, Height: 480}},
			camera.FormatJPEG:    {{Width: 2048, Height: 1536}, {Width: 1024, Height: 768}, {Width: 640, Height: 480}},
			camera.FormatRaw16:   {{Width: 2048, Height: 1536}},
			camera.FormatYUV420:  {{Width: 2048, Height: 1536}, {Width: 1024, Height: 768}},
		},
		CFAPattern: [4]uint8{0, 1, 1, 2},
		BlackLevel: 64,
		WhiteLevel: 1023,
		ColorMatrix1: [9]camera.Rational{
			{Num: 1200, Den: 1000}, {Num: -300, Den: 1000}, {Num: -100, Den: 1000},
			{Num: -400, Den: 1000}, {Num: 1300, Den: 1000}, {Num: 100, Den: 1000},
			{Num: -50, Den: 1000}, {Num: 150, Den: 1000}, {Num: 600, Den: 1000},
		},
		Make:  "ZeroCam",
		Model: "Simulated Sensor",
	}
}

// SmallCharacteristics is DefaultCharacteristics scaled down for fast tests.
func SmallCharacteristics() camera.Characteristics {
	c := DefaultCharacteristics()
	c.ActiveArray = camera.Size{Width: 320, Height: 240}
	c.OutputSizes = map[camera.Format][]camera.Size{
		camera.FormatPrivate: {{Width: 320, Height: 240}, {Width: 320, Height: 180}},
		camera.FormatJPEG:    {{Width: 320, Height: 240}},
		camera.FormatRaw16:   {{Width: 320, Height: 240}},
		camera.FormatYUV420:  {{Width: 320, Height: 240}},
	}
	return c
}

// scene returns a deterministic YCbCr pattern; frame shifts it so
// consecutive frames differ.
func scene(size camera.Size, frame int64) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, size.Width, size.Height), image.YCbCrSubsampleRatio420)
	shift := int(frame % 64)
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			img.Y[y*img.YStride+x] = uint8((x + y + shift) * 255 / (size.Width + size.Height + 64))
		}
	}
	for y := 0; y < size.Height/2; y++ {
		for x := 0; x < size.Width/2; x++ {
			img.Cb[y*img.CStride+x] = uint8(96 + (x*64)/(size.Width/2+1))
			img.Cr[y*img.CStride+x] = uint8(96 + (y*64)/(size.Height/2+1))
		}
	}
	return img
}

func renderPlanes(f camera.Format, size camera.Size, frame int64, chars *camera.Characteristics, st camera.Settings) ([]camera.Plane, error) {
	switch f {
	case camera.FormatJPEG:
		var buf bytes.Buffer
		q := st.JPEGQuality
		if q <= 0 || q > 100 {
			q = 95
		}
		if err := jpeg.Encode(&buf, scene(size, frame), &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
		return []camera.Plane{{Data: buf.Bytes(), RowStride: 0, PixelStride: 0}}, nil
	case camera.FormatYUV420:
		return yuvPlanes(scene(size, frame)), nil
	case camera.FormatRaw16:
		return []camera.Plane{rawPlane(size, frame, chars)}, nil
	default:
		return nil, fmt.Errorf("unsupported format %s", f)
	}
}

// yuvPlanes lays the scene out the way semi-planar sensors expose
// YUV_420_888: a full Y plane and two chroma planes with pixel stride 2.
func yuvPlanes(img *image.YCbCr) []camera.Plane {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	y := make([]byte, w*h)
	for row := 0; row < h; row++ {
		copy(y[row*w:(row+1)*w], img.Y[row*img.YStride:row*img.YStride+w])
	}
	cw, ch := w/2, h/2
	u := make([]byte, w*ch)
	v := make([]byte, w*ch)
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			u[row*w+col*2] = img.Cb[row*img.CStride+col]
			v[row*w+col*2] = img.Cr[row*img.CStride+col]
		}
	}
	return []camera.Plane{
		{Data: y, RowStride: w, PixelStride: 1},
		{Data: u, RowStride: w, PixelStride: 2},
		{Data: v, RowStride: w, PixelStride: 2},
	}
}

// rawPlane builds a little-endian 16-bit Bayer mosaic within the sensor's
// black/white levels.
func rawPlane(size camera.Size, frame int64, chars *camera.Characteristics) camera.Plane {
	black, white := chars.BlackLevel, chars.WhiteLevel
	if white <= black {
		white = black + 1023
	}
	span := white - black
	data := make([]byte, size.Width*size.Height*2)
	shift := int(frame % 64)
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			v := black + ((x+y+shift)*span)/(size.Width+size.Height+64)
			binary.LittleEndian.PutUint16(data[(y*size.Width+x)*2:], uint16(v))
		}
	}
	return camera.Plane{Data: data, RowStride: size.Width * 2, PixelStride: 2}
}
