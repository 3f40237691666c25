package geometry

import "github.com/cjeanneret/ZeroCam/internal/hw/camera"

// FocusDivisor sets the metering square: half-size = min(W, H) / FocusDivisor.
const FocusDivisor = 20

// Point is a position in sensor (active array) pixels.
type Point struct {
	X, Y int
}

// SensorPoint maps a tap at (x, y) in a view of viewW×viewH into the
// active array, rotating by the sensor orientation.
//
//	  0: ( nx·W,       ny·H)
//	 90: ( ny·W,   (1−nx)·H)
//	180: ((1−nx)·W, (1−ny)·H)
//	270: ((1−ny)·W,    nx·H)
//
// Unknown orientations are treated as 0.
func SensorPoint(x, y, viewW, viewH float64, orientation int, sensor camera.Size) Point {
	if viewW <= 0 || viewH <= 0 {
		return Point{X: sensor.Width / 2, Y: sensor.Height / 2}
	}
	nx, ny := x/viewW, y/viewH
	w, h := float64(sensor.Width), float64(sensor.Height)

	switch orientation {
	case 90:
		return Point{X: int(ny * w), Y: int((1 - nx) * h)}
	case 270:
		return Point{X: int((1 - ny) * w), Y: int(nx * h)}
	case 180:
		return Point{X: int((1 - nx) * w), Y: int((1 - ny) * h)}
	default:
		return Point{X: int(nx * w), Y: int(ny * h)}
	}
}

// FocusRegion expands p into a square metering rectangle of half-size
// min(W, H)/FocusDivisor, clamped to the sensor, at maximum weight.
//
//	left   ∈ [0, W−1]    right  ∈ [1, W]
//	top    ∈ [0, H−1]    bottom ∈ [1, H]
func FocusRegion(p Point, sensor camera.Size) camera.MeteringRect {
	size := min(sensor.Width, sensor.Height) / FocusDivisor
	return camera.MeteringRect{
		Left:   clamp(p.X-size, 0, sensor.Width-1),
		Top:    clamp(p.Y-size, 0, sensor.Height-1),
		Right:  clamp(p.X+size, 1, sensor.Width),
		Bottom: clamp(p.Y+size, 1, sensor.Height),
		Weight: camera.MaxMeteringWeight,
	}
}

// TapRegion is SensorPoint followed by FocusRegion.
func TapRegion(x, y, viewW, viewH float64, orientation int, sensor camera.Size) camera.MeteringRect {
	return FocusRegion(SensorPoint(x, y, viewW, viewH, orientation, sensor), sensor)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return max(lo, min(v, hi))
}
