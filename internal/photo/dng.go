package photo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// TIFF field types.
const (
	tiffByte      = 1
	tiffASCII     = 2
	tiffShort     = 3
	tiffLong      = 4
	tiffRational  = 5
	tiffSRational = 10
)

// TIFF / DNG tags written to IFD0.
const (
	TagNewSubFileType         = 254
	TagImageWidth             = 256
	TagImageLength            = 257
	TagBitsPerSample          = 258
	TagCompression            = 259
	TagPhotometric            = 262
	TagMake                   = 271
	TagModel                  = 272
	TagStripOffsets           = 273
	TagOrientation            = 274
	TagSamplesPerPixel        = 277
	TagRowsPerStrip           = 278
	TagStripByteCounts        = 279
	TagPlanarConfig           = 284
	TagSoftware               = 305
	TagCFARepeatPatternDim    = 33421
	TagCFAPattern             = 33422
	TagExposureTime           = 33434
	TagExposureProgram        = 34850
	TagISOSpeedRatings        = 34855
	TagFlash                  = 37385
	TagDNGVersion             = 50706
	TagDNGBackwardVersion     = 50707
	TagUniqueCameraModel      = 50708
	TagBlackLevel             = 50714
	TagWhiteLevel             = 50717
	TagColorMatrix1           = 50721
	TagCalibrationIlluminant1 = 50778
)

const (
	photometricCFA = 32803
	illuminantD65  = 21

	programManual = 1
	programNormal = 2
	flashFired    = 1
)

// RawImage is a 16-bit Bayer frame plus the metadata embedded in its DNG.
type RawImage struct {
	Width, Height int
	Data          []byte // little-endian uint16 samples
	RowStride     int

	Orientation    int // EXIF orientation, 1..8
	Make, Model    string
	Software       string
	CFAPattern     [4]uint8
	BlackLevel     int
	WhiteLevel     int
	ColorMatrix1   [9]camera.Rational
	ISO            int
	ExposureTimeNs int64
	AEMode         camera.AEMode
}

// exposureProgram maps the AE mode of the capture result to EXIF
// ExposureProgram.
func exposureProgram(m camera.AEMode) uint16 {
	if m == camera.AEModeOff {
		return programManual
	}
	return programNormal
}

func flashValue(m camera.AEMode) uint16 {
	if m == camera.AEModeOnAlwaysFlash {
		return flashFired
	}
	return 0
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		le.PutUint16(b[2*i:], v)
	}
	return ifdEntry{tag: tag, typ: tiffShort, count: uint32(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		le.PutUint32(b[4*i:], v)
	}
	return ifdEntry{tag: tag, typ: tiffLong, count: uint32(len(vals)), data: b}
}

func byteEntry(tag uint16, vals ...uint8) ifdEntry {
	return ifdEntry{tag: tag, typ: tiffByte, count: uint32(len(vals)), data: append([]byte(nil), vals...)}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: tiffASCII, count: uint32(len(b)), data: b}
}

func rationalEntry(tag uint16, num, den uint32) ifdEntry {
	b := make([]byte, 8)
	le.PutUint32(b, num)
	le.PutUint32(b[4:], den)
	return ifdEntry{tag: tag, typ: tiffRational, count: 1, data: b}
}

func sratEntry(tag uint16, vals []camera.Rational) ifdEntry {
	b := make([]byte, 8*len(vals))
	for i, r := range vals {
		den := r.Den
		if den == 0 {
			den = 1
		}
		le.PutUint32(b[8*i:], uint32(r.Num))
		le.PutUint32(b[8*i+4:], uint32(den))
	}
	return ifdEntry{tag: tag, typ: tiffSRational, count: uint32(len(vals)), data: b}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// WriteDNG serializes img as a single-IFD, uncompressed, little-endian DNG.
func WriteDNG(w io.Writer, img *RawImage) error {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("photo: invalid raw image")
	}
	rowBytes := img.Width * 2
	stride := max(img.RowStride, rowBytes)
	if len(img.Data) < stride*(img.Height-1)+rowBytes {
		return errShortPlane
	}
	stripLen := uint32(rowBytes * img.Height)
	orientation := img.Orientation
	if orientation < 1 || orientation > 8 {
		orientation = 1
	}
	model := orDefault(img.Model, "Unknown")
	exposure := img.ExposureTimeNs
	if exposure < 0 {
		exposure = 0
	}

	entries := []ifdEntry{
		longEntry(TagNewSubFileType, 0),
		longEntry(TagImageWidth, uint32(img.Width)),
		longEntry(TagImageLength, uint32(img.Height)),
		shortEntry(TagBitsPerSample, 16),
		shortEntry(TagCompression, 1),
		shortEntry(TagPhotometric, photometricCFA),
		asciiEntry(TagMake, orDefault(img.Make, "Unknown")),
		asciiEntry(TagModel, model),
		longEntry(TagStripOffsets, 0), // patched below
		shortEntry(TagOrientation, uint16(orientation)),
		shortEntry(TagSamplesPerPixel, 1),
		longEntry(TagRowsPerStrip, uint32(img.Height)),
		longEntry(TagStripByteCounts, stripLen),
		shortEntry(TagPlanarConfig, 1),
		asciiEntry(TagSoftware, orDefault(img.Software, "ZeroCam")),
		shortEntry(TagCFARepeatPatternDim, 2, 2),
		byteEntry(TagCFAPattern, img.CFAPattern[:]...),
		rationalEntry(TagExposureTime, uint32(exposure/1000), 1_000_000),
		shortEntry(TagExposureProgram, exposureProgram(img.AEMode)),
		shortEntry(TagISOSpeedRatings, uint16(min(max(img.ISO, 0), 65535))),
		shortEntry(TagFlash, flashValue(img.AEMode)),
		byteEntry(TagDNGVersion, 1, 4, 0, 0),
		byteEntry(TagDNGBackwardVersion, 1, 1, 0, 0),
		asciiEntry(TagUniqueCameraModel, model),
		longEntry(TagBlackLevel, uint32(max(img.BlackLevel, 0))),
		longEntry(TagWhiteLevel, uint32(max(img.WhiteLevel, 0))),
		sratEntry(TagColorMatrix1, img.ColorMatrix1[:]),
		shortEntry(TagCalibrationIlluminant1, illuminantD65),
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdSize := 2 + 12*len(entries) + 4
	extraStart := 8 + ifdSize

	// Lay out values that do not fit the 4-byte slot.
	var extra bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
		offsets[i] = uint32(extraStart + extra.Len())
		extra.Write(e.data)
	}
	if extra.Len()%2 == 1 {
		extra.WriteByte(0)
	}
	stripOffset := uint32(extraStart + extra.Len())
	for i := range entries {
		if entries[i].tag == TagStripOffsets {
			le.PutUint32(entries[i].data, stripOffset)
		}
	}

	var head bytes.Buffer
	head.Grow(extraStart)
	head.WriteString("II")
	_ = binary.Write(&head, le, uint16(42))
	_ = binary.Write(&head, le, uint32(8))
	_ = binary.Write(&head, le, uint16(len(entries)))
	for i, e := range entries {
		_ = binary.Write(&head, le, e.tag)
		_ = binary.Write(&head, le, e.typ)
		_ = binary.Write(&head, le, e.count)
		var slot [4]byte
		if len(e.data) <= 4 {
			copy(slot[:], e.data)
		} else {
			le.PutUint32(slot[:], offsets[i])
		}
		head.Write(slot[:])
	}
	_ = binary.Write(&head, le, uint32(0))

	if _, err := w.Write(head.Bytes()); err != nil {
		return fmt.Errorf("photo: write dng header: %w", err)
	}
	if _, err := w.Write(extra.Bytes()); err != nil {
		return fmt.Errorf("photo: write dng metadata: %w", err)
	}
	for row := 0; row < img.Height; row++ {
		if _, err := w.Write(img.Data[row*stride : row*stride+rowBytes]); err != nil {
			return fmt.Errorf("photo: write dng strip: %w", err)
		}
	}
	return nil
}
