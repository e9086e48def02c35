package verify

import (
	"image"

	"github.com/LdDl/balltrack/geom"
)

// HSV is a pixel in hue/saturation/value space. Hue is in degrees [0, 360), saturation and value in [0, 1].
type HSV struct {
	H float64
	S float64
	V float64
}

// Circle found by the circle transform. Center is relative to the crop's top-left corner.
type Circle struct {
	Center geom.Point
	Radius float64
	// Fraction of rays from the center meeting a radial edge at Radius
	Support float64
}

// CircleParams configures the circle transform
type CircleParams struct {
	BlurSigma            float64
	MinRadius            int
	MaxRadius            int
	EdgeThreshold        float64
	AccumulatorThreshold float64
	MinCircularity       float64
	MinCenterDistance    float64
}

// Backend performs color-space conversion and circle detection on a crop. No I/O is allowed.
type Backend interface {
	HSV(crop image.Image) ([]HSV, error)
	// Circles returns circles ordered by decreasing strength
	Circles(crop image.Image, params CircleParams) ([]Circle, error)
}
