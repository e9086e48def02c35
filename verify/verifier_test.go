package verify

import (
	"image"
	"image/color"
	"testing"

	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/geom"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ballRed   = color.RGBA{R: 220, G: 20, B: 30, A: 255}
	ballWhite = color.RGBA{R: 245, G: 245, B: 245, A: 255}
	darkGrey  = color.RGBA{R: 10, G: 10, B: 10, A: 255}
	grass     = color.RGBA{R: 30, G: 90, B: 30, A: 255}
	green     = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	darkGreen = color.RGBA{R: 0, G: 100, B: 0, A: 255}
)

// drawDisc renders a filled disc centered on pixel (cx, cy)
func drawDisc(width, height, cx, cy, radius int, fg, bg color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				img.Set(x, y, fg)
			} else {
				img.Set(x, y, bg)
			}
		}
	}
	return img
}

// drawRect renders a filled axis-aligned rectangle covering pixels [x1, x2) x [y1, y2)
func drawRect(width, height, x1, y1, x2, y2 int, fg, bg color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x >= x1 && x < x2 && y >= y1 && y < y2 {
				img.Set(x, y, fg)
			} else {
				img.Set(x, y, bg)
			}
		}
	}
	return img
}

func candidateAt(x1, y1, x2, y2, confidence float64) detect.Candidate {
	return detect.Candidate{
		FrameIndex: 1,
		BBox:       geom.NewRectFromCorners(x1, y1, x2, y2),
		Label:      "sports ball",
		Confidence: confidence,
	}
}

func newTestVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	v, err := NewVerifier(DefaultConfig(), opts...)
	require.NoError(t, err)
	return v
}

func TestSizeGate(t *testing.T) {
	v := newTestVerifier(t)
	tests := []struct {
		name      string
		candidate detect.Candidate
		passed    bool
	}{
		{"noise sized", candidateAt(0, 0, 4, 4, 0.9), false},
		{"lower bound", candidateAt(0, 0, 5, 5, 0.9), true},
		{"ball sized", candidateAt(10, 10, 40, 40, 0.9), true},
		{"outsized", candidateAt(0, 0, 200, 100, 0.9), false},
		{"degenerate", candidateAt(10, 10, 5, 40, 0.9), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.SizeGate(tt.candidate)
			assert.Equal(t, tt.passed, result.Passed, result.Reason)
		})
	}
}

func TestColorGate(t *testing.T) {
	v := newTestVerifier(t)
	tests := []struct {
		name   string
		crop   image.Image
		passed bool
	}{
		{"red ball", drawDisc(40, 40, 20, 20, 12, ballRed, darkGrey), true},
		{"white ball", drawDisc(40, 40, 20, 20, 12, ballWhite, grass), true},
		{"saturated green", drawDisc(40, 40, 20, 20, 12, green, darkGreen), false},
		{"dark background only", drawDisc(40, 40, 20, 20, 0, darkGrey, darkGrey), false},
		// 3x3 red disc covers 5 of 400 pixels
		{"tiny red speck", drawDisc(20, 20, 10, 10, 1, ballRed, darkGrey), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ColorGate(tt.crop)
			assert.Equal(t, tt.passed, result.Passed, result.Reason)
		})
	}
}

func TestShapeGate(t *testing.T) {
	v := newTestVerifier(t)
	tests := []struct {
		name   string
		crop   image.Image
		passed bool
	}{
		{"red disc", drawDisc(40, 40, 20, 20, 12, ballRed, darkGrey), true},
		{"green disc", drawDisc(40, 40, 20, 20, 12, green, darkGreen), true},
		{"uniform crop", drawDisc(40, 40, 20, 20, 0, ballRed, ballRed), false},
		{"red square", drawRect(40, 40, 8, 8, 32, 32, ballRed, darkGrey), false},
		{"large red square", drawRect(56, 56, 8, 8, 48, 48, ballRed, darkGrey), false},
		{"red bar", drawRect(56, 40, 8, 12, 48, 28, ballRed, darkGrey), false},
		{"white square", drawRect(40, 40, 8, 8, 32, 32, ballWhite, grass), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ShapeGate(tt.crop)
			assert.Equal(t, tt.passed, result.Passed, result.Reason)
		})
	}
}

func TestNativeBackendCircleEstimate(t *testing.T) {
	circles, err := NewNativeBackend().Circles(drawDisc(48, 48, 24, 22, 14, ballWhite, grass), DefaultConfig().CircleParams())
	require.NoError(t, err)
	require.NotEmpty(t, circles)
	assert.InDelta(t, 24.0, circles[0].Center.X, 1.5)
	assert.InDelta(t, 22.0, circles[0].Center.Y, 1.5)
	assert.InDelta(t, 14.0, circles[0].Radius, 2.0)
	assert.GreaterOrEqual(t, circles[0].Support, DefaultConfig().MinCircularity)
}

func TestVerifyGreenCropRejectedByColor(t *testing.T) {
	v := newTestVerifier(t)
	frame := drawDisc(100, 80, 50, 40, 12, green, darkGreen)
	verdict := v.Verify(frame, candidateAt(30, 20, 70, 60, 0.9))

	assert.False(t, verdict.Accepted)
	assert.True(t, verdict.Size.Passed)
	assert.False(t, verdict.Color.Passed)
	assert.True(t, verdict.Shape.Skipped)
	assert.Equal(t, "color", verdict.FailedGate())
	assert.Nil(t, verdict.Detection)

	crop, _, err := Crop(frame, verdict.Candidate)
	require.NoError(t, err)
	assert.True(t, v.ShapeGate(crop).Passed)
}

func TestVerifyAcceptsBall(t *testing.T) {
	v := newTestVerifier(t)
	frame := drawDisc(100, 80, 50, 40, 12, ballRed, darkGrey)
	verdict := v.Verify(frame, candidateAt(30, 20, 70, 60, 0.9))

	require.True(t, verdict.Accepted, verdict.FailedGate())
	require.NotNil(t, verdict.Detection)
	assert.NoError(t, verdict.Err)
	assert.InDelta(t, 50.5, verdict.Detection.Center.X, 1.5)
	assert.InDelta(t, 40.5, verdict.Detection.Center.Y, 1.5)
	assert.InDelta(t, 12.0, verdict.Detection.RadiusEstimate, 2.0)
	assert.Equal(t, 0.9, verdict.Detection.Candidate.Confidence)
}

func TestVerifySizeGateShortCircuits(t *testing.T) {
	v := newTestVerifier(t)
	frame := drawDisc(100, 80, 50, 40, 12, ballRed, darkGrey)
	// The box sits on a valid red ball, but is too small
	verdict := v.Verify(frame, candidateAt(48, 38, 52, 42, 0.99))
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "size", verdict.FailedGate())
	assert.True(t, verdict.Color.Skipped)
	assert.True(t, verdict.Shape.Skipped)
}

func TestVerifyInvalidCrop(t *testing.T) {
	v := newTestVerifier(t)
	frame := drawDisc(100, 80, 50, 40, 12, ballRed, darkGrey)
	verdict := v.Verify(frame, candidateAt(200, 200, 230, 230, 0.9))
	assert.False(t, verdict.Accepted)
	assert.ErrorIs(t, verdict.Err, ErrInvalidCrop)
	assert.Equal(t, "crop", verdict.FailedGate())

	verdict = v.Verify(nil, candidateAt(10, 10, 30, 30, 0.9))
	assert.ErrorIs(t, verdict.Err, ErrInvalidCrop)
}

func TestSelectPromotesAtMostOne(t *testing.T) {
	v := newTestVerifier(t)
	frame := drawDisc(100, 80, 50, 40, 12, ballRed, darkGrey)
	candidates := []detect.Candidate{
		// Empty corner of the frame
		candidateAt(0, 0, 20, 20, 0.95),
		candidateAt(30, 20, 70, 60, 0.8),
		candidateAt(28, 18, 72, 62, 0.8),
		candidateAt(32, 22, 68, 58, 0.7),
	}
	best, verdicts := v.Select(frame, candidates)
	require.Len(t, verdicts, 4)
	assert.False(t, verdicts[0].Accepted)
	accepted := 0
	for _, verdict := range verdicts {
		if verdict.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)

	require.NotNil(t, best)
	assert.Equal(t, 0.8, best.Candidate.Confidence)
	assert.InDelta(t, 44.0*44.0, best.Candidate.BBox.Area(), 1e-9)

	none, verdicts := v.Select(frame, nil)
	assert.Nil(t, none)
	assert.Empty(t, verdicts)
}

type failingBackend struct{}

func (failingBackend) HSV(crop image.Image) ([]HSV, error) {
	return nil, errors.New("conversion failed")
}

func (failingBackend) Circles(crop image.Image, params CircleParams) ([]Circle, error) {
	return nil, errors.New("transform failed")
}

func TestBackendFailureRejects(t *testing.T) {
	v := newTestVerifier(t, WithBackend(failingBackend{}))
	crop := drawDisc(40, 40, 20, 20, 12, ballRed, darkGrey)
	color := v.ColorGate(crop)
	assert.False(t, color.Passed)
	assert.Contains(t, color.Reason, "conversion failed")
	shape := v.ShapeGate(crop)
	assert.False(t, shape.Passed)
}

func TestVerifierConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted area", func(cfg *Config) { cfg.MinArea, cfg.MaxArea = 100, 10 }},
		{"color threshold", func(cfg *Config) { cfg.ColorThreshold = 1.5 }},
		{"no red hues", func(cfg *Config) { cfg.RedHues = nil }},
		{"inverted hue", func(cfg *Config) { cfg.RedHues = []HueRange{{Min: 30, Max: 10}} }},
		{"white value", func(cfg *Config) { cfg.WhiteMinValue = 2 }},
		{"negative blur", func(cfg *Config) { cfg.BlurSigma = -1 }},
		{"radius range", func(cfg *Config) { cfg.MinRadius, cfg.MaxRadius = 10, 5 }},
		{"zero radius", func(cfg *Config) { cfg.MinRadius = 0 }},
		{"edge threshold", func(cfg *Config) { cfg.EdgeThreshold = 0 }},
		{"accumulator", func(cfg *Config) { cfg.AccumulatorThreshold = 0 }},
		{"circularity", func(cfg *Config) { cfg.MinCircularity = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewVerifier(cfg)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
