package photo

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// JPEG markers.
const (
	markerSOI  = 0xD8
	markerSOS  = 0xDA
	markerAPP1 = 0xE1
)

const tagOrientation = 0x0112

var (
	exifHeader = []byte("Exif\x00\x00")

	errNotJPEG = errors.New("photo: not a JPEG stream")
)

// SetJPEGOrientation returns a copy of a JPEG carrying a minimal EXIF
// block whose only tag is the orientation (1..8). Existing EXIF APP1
// segments are dropped.
func SetJPEGOrientation(jpegBytes []byte, orientation int) ([]byte, error) {
	if len(jpegBytes) < 4 || jpegBytes[0] != 0xFF || jpegBytes[1] != markerSOI {
		return nil, errNotJPEG
	}
	if orientation < 1 || orientation > 8 {
		orientation = 1
	}

	var out bytes.Buffer
	out.Grow(len(jpegBytes) + 40)
	out.Write(jpegBytes[:2])
	out.Write(exifSegment(uint16(orientation)))

	pos := 2
	for pos+4 <= len(jpegBytes) && jpegBytes[pos] == 0xFF {
		marker := jpegBytes[pos+1]
		if marker == markerSOS || marker < 0xE0 || marker > 0xEF {
			break
		}
		segLen := int(binary.BigEndian.Uint16(jpegBytes[pos+2:]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(jpegBytes) {
			return nil, errNotJPEG
		}
		isExif := marker == markerAPP1 && segLen >= 8 && bytes.Equal(jpegBytes[pos+4:pos+10], exifHeader)
		if !isExif {
			out.Write(jpegBytes[pos:end])
		}
		pos = end
	}
	out.Write(jpegBytes[pos:])
	return out.Bytes(), nil
}

// exifSegment builds an APP1 segment with a little-endian TIFF block
// holding one IFD entry.
func exifSegment(orientation uint16) []byte {
	le := binary.LittleEndian
	tiff := make([]byte, 8+2+12+4)
	copy(tiff, "II")
	le.PutUint16(tiff[2:], 42)
	le.PutUint32(tiff[4:], 8)
	le.PutUint16(tiff[8:], 1)
	le.PutUint16(tiff[10:], tagOrientation)
	le.PutUint16(tiff[12:], tiffShort)
	le.PutUint32(tiff[14:], 1)
	le.PutUint16(tiff[18:], orientation)
	// next IFD offset stays 0

	seg := make([]byte, 4, 4+len(exifHeader)+len(tiff))
	seg[0], seg[1] = 0xFF, markerAPP1
	binary.BigEndian.PutUint16(seg[2:], uint16(2+len(exifHeader)+len(tiff)))
	seg = append(seg, exifHeader...)
	return append(seg, tiff...)
}

// JPEGOrientation reads the EXIF orientation of a JPEG, or 0 when absent.
func JPEGOrientation(jpegBytes []byte) int {
	if len(jpegBytes) < 4 || jpegBytes[0] != 0xFF || jpegBytes[1] != markerSOI {
		return 0
	}
	pos := 2
	for pos+4 <= len(jpegBytes) && jpegBytes[pos] == 0xFF {
		marker := jpegBytes[pos+1]
		if marker == markerSOS {
			return 0
		}
		segLen := int(binary.BigEndian.Uint16(jpegBytes[pos+2:]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(jpegBytes) {
			return 0
		}
		if marker == markerAPP1 && segLen >= 8 && bytes.Equal(jpegBytes[pos+4:pos+10], exifHeader) {
			return tiffOrientation(jpegBytes[pos+10 : end])
		}
		pos = end
	}
	return 0
}

func tiffOrientation(tiff []byte) int {
	if len(tiff) < 8 {
		return 0
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(tiff[2:]) != 42 {
		return 0
	}
	ifd := int(order.Uint32(tiff[4:]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return 0
	}
	n := int(order.Uint16(tiff[ifd:]))
	for i := 0; i < n; i++ {
		e := ifd + 2 + i*12
		if e+12 > len(tiff) {
			return 0
		}
		if order.Uint16(tiff[e:]) == tagOrientation && order.Uint16(tiff[e+2:]) == tiffShort {
			v := int(order.Uint16(tiff[e+8:]))
			if v >= 1 && v <= 8 {
				return v
			}
			return 0
		}
	}
	return 0
}
