package photo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

type parsedEntry struct {
	typ, count uint32
	value      []byte // inline slot or resolved out-of-line data
}

// parseIFD0 reads the first IFD of a little-endian TIFF.
func parseIFD0(t *testing.T, b []byte) (map[uint16]parsedEntry, []uint16) {
	t.Helper()
	require.GreaterOrEqual(t, len(b), 8)
	require.Equal(t, "II", string(b[:2]))
	require.Equal(t, uint16(42), binary.LittleEndian.Uint16(b[2:]))

	ifd := int(binary.LittleEndian.Uint32(b[4:]))
	n := int(binary.LittleEndian.Uint16(b[ifd:]))
	sizes := map[uint32]uint32{tiffByte: 1, tiffASCII: 1, tiffShort: 2, tiffLong: 4, tiffRational: 8, tiffSRational: 8}

	entries := make(map[uint16]parsedEntry, n)
	var order []uint16
	for i := 0; i < n; i++ {
		e := b[ifd+2+i*12:]
		tag := binary.LittleEndian.Uint16(e)
		typ := uint32(binary.LittleEndian.Uint16(e[2:]))
		count := binary.LittleEndian.Uint32(e[4:])
		size := sizes[typ] * count
		val := e[8:12]
		if size > 4 {
			off := binary.LittleEndian.Uint32(e[8:])
			val = b[off : off+size]
		}
		entries[tag] = parsedEntry{typ: typ, count: count, value: val}
		order = append(order, tag)
	}
	return entries, order
}

func rawFixture(w, h, stride int) *RawImage {
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(data[y*stride+x*2:], uint16(64+x+y))
		}
	}
	return &RawImage{
		Width: w, Height: h, Data: data, RowStride: stride,
		Orientation: 6,
		Make:        "ZeroCam", Model: "Simulated Sensor",
		CFAPattern: [4]uint8{0, 1, 1, 2},
		BlackLevel: 64, WhiteLevel: 1023,
		ColorMatrix1: [9]camera.Rational{
			{Num: 1, Den: 1}, {Num: 0, Den: 1}, {Num: 0, Den: 1},
			{Num: 0, Den: 1}, {Num: 1, Den: 1}, {Num: 0, Den: 1},
			{Num: -1, Den: 2}, {Num: 0, Den: 1}, {Num: 1, Den: 1},
		},
		ISO:            800,
		ExposureTimeNs: 10_000_000,
		AEMode:         camera.AEModeOn,
	}
}

func TestWriteDNG_Structure(t *testing.T) {
	img := rawFixture(8, 4, 8*2+6)
	var buf bytes.Buffer
	require.NoError(t, WriteDNG(&buf, img))
	b := buf.Bytes()

	entries, order := parseIFD0(t, b)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i], "tags must be sorted")
	}

	u16 := func(tag uint16) uint16 { return binary.LittleEndian.Uint16(entries[tag].value) }
	u32 := func(tag uint16) uint32 { return binary.LittleEndian.Uint32(entries[tag].value) }

	assert.Equal(t, uint32(8), u32(TagImageWidth))
	assert.Equal(t, uint32(4), u32(TagImageLength))
	assert.Equal(t, uint16(16), u16(TagBitsPerSample))
	assert.Equal(t, uint16(photometricCFA), u16(TagPhotometric))
	assert.Equal(t, uint16(6), u16(TagOrientation))
	assert.Equal(t, uint16(800), u16(TagISOSpeedRatings))
	assert.Equal(t, uint16(programNormal), u16(TagExposureProgram))
	assert.Equal(t, uint16(0), u16(TagFlash))
	assert.Equal(t, uint32(64), u32(TagBlackLevel))
	assert.Equal(t, uint32(1023), u32(TagWhiteLevel))
	assert.Equal(t, []byte{1, 4, 0, 0}, entries[TagDNGVersion].value)
	assert.Equal(t, []byte{0, 1, 1, 2}, entries[TagCFAPattern].value)
	assert.Equal(t, "Simulated Sensor\x00", string(entries[TagUniqueCameraModel].value))
	assert.Equal(t, uint32(9), entries[TagColorMatrix1].count)

	exp := entries[TagExposureTime].value
	assert.Equal(t, uint32(10_000), binary.LittleEndian.Uint32(exp))
	assert.Equal(t, uint32(1_000_000), binary.LittleEndian.Uint32(exp[4:]))

	// Strip holds unpadded rows.
	off, n := u32(TagStripOffsets), u32(TagStripByteCounts)
	require.Equal(t, uint32(8*4*2), n)
	require.Equal(t, len(b), int(off+n))
	strip := b[off : off+n]
	assert.Equal(t, uint16(64), binary.LittleEndian.Uint16(strip))
	assert.Equal(t, uint16(64+7+3), binary.LittleEndian.Uint16(strip[(3*8+7)*2:]))
}

func TestWriteDNG_CaptureModes(t *testing.T) {
	tests := []struct {
		name    string
		mode    camera.AEMode
		program uint16
		flash   uint16
	}{
		{"manual", camera.AEModeOff, programManual, 0},
		{"auto", camera.AEModeOn, programNormal, 0},
		{"auto with flash", camera.AEModeOnAlwaysFlash, programNormal, flashFired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := rawFixture(4, 2, 8)
			img.AEMode = tt.mode
			var buf bytes.Buffer
			require.NoError(t, WriteDNG(&buf, img))
			entries, _ := parseIFD0(t, buf.Bytes())
			assert.Equal(t, tt.program, binary.LittleEndian.Uint16(entries[TagExposureProgram].value))
			assert.Equal(t, tt.flash, binary.LittleEndian.Uint16(entries[TagFlash].value))
		})
	}
}

func TestWriteDNG_Rejects(t *testing.T) {
	assert.Error(t, WriteDNG(&bytes.Buffer{}, nil))

	img := rawFixture(8, 4, 16)
	img.Data = img.Data[:20]
	assert.ErrorIs(t, WriteDNG(&bytes.Buffer{}, img), errShortPlane)
}

type failWriter struct{ after int }

func (f *failWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("disk full")
	}
	f.after--
	return len(p), nil
}

func TestWriteDNG_PropagatesWriteError(t *testing.T) {
	err := WriteDNG(&failWriter{after: 2}, rawFixture(8, 4, 16))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strip")
}
