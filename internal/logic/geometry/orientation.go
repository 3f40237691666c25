package geometry

// NormalizeRotation snaps a device rotation to 0, 90, 180 or 270 degrees.
func NormalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return ((deg + 45) / 90 % 4) * 90
}

// JPEGOrientation returns the clockwise rotation to store with a capture.
// Formula: (sensorOrientation − deviceRotation + 360) mod 360
func JPEGOrientation(sensorOrientation, deviceRotation int) int {
	return (sensorOrientation - NormalizeRotation(deviceRotation) + 360) % 360
}

// EXIF orientation tag values.
const (
	ExifNormal    = 1
	ExifRotate180 = 3
	ExifRotate90  = 6
	ExifRotate270 = 8
)

// ExifOrientation maps a clockwise rotation in degrees to the EXIF tag.
func ExifOrientation(degrees int) int {
	switch degrees {
	case 90:
		return ExifRotate90
	case 180:
		return ExifRotate180
	case 270:
		return ExifRotate270
	default:
		return ExifNormal
	}
}
