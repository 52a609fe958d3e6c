package compositor

// Orientation is the EXIF orientation flag: how stored pixels must be
// transformed to be displayed upright.
type Orientation int

// EXIF orientation values.
const (
	OrientationUp            Orientation = 1 // no transform
	OrientationUpMirrored    Orientation = 2 // mirror horizontally
	OrientationDown          Orientation = 3 // rotate 180
	OrientationDownMirrored  Orientation = 4 // mirror vertically
	OrientationLeftMirrored  Orientation = 5 // transpose
	OrientationRight         Orientation = 6 // rotate 90 clockwise
	OrientationRightMirrored Orientation = 7 // transverse
	OrientationLeft          Orientation = 8 // rotate 90 counter-clockwise
)

// IsValid returns true for the eight EXIF orientation values.
func (o Orientation) IsValid() bool {
	return o >= OrientationUp && o <= OrientationLeft
}

// SwapsAxes returns true when display width is the stored height.
func (o Orientation) SwapsAxes() bool {
	return o >= OrientationLeftMirrored && o <= OrientationLeft
}

// OrientationFromRotation maps a clockwise display rotation in degrees (as
// carried by a video track transform) to an orientation. Values are rounded
// to the nearest quarter turn.
func OrientationFromRotation(clockwise int) Orientation {
	deg := ((clockwise % 360) + 360) % 360
	switch {
	case deg >= 45 && deg < 135:
		return OrientationRight
	case deg >= 135 && deg < 225:
		return OrientationDown
	case deg >= 225 && deg < 315:
		return OrientationLeft
	default:
		return OrientationUp
	}
}

// displayPoint maps stored pixel (sx, sy) of a w x h stored image to its
// display coordinates.
func (o Orientation) displayPoint(sx, sy, w, h int) (int, int) {
	switch o {
	case OrientationUpMirrored:
		return w - 1 - sx, sy
	case OrientationDown:
		return w - 1 - sx, h - 1 - sy
	case OrientationDownMirrored:
		return sx, h - 1 - sy
	case OrientationLeftMirrored:
		return sy, sx
	case OrientationRight:
		return h - 1 - sy, sx
	case OrientationRightMirrored:
		return h - 1 - sy, w - 1 - sx
	case OrientationLeft:
		return sy, w - 1 - sx
	default:
		return sx, sy
	}
}
