// Package verify accepts or rejects ball candidates with three independent gates:
// bounding box size, ball color and circular shape.
// Gates are pure functions of the candidate and its crop and keep no state between frames.
package verify

import (
	"fmt"
	"image"

	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/geom"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrInvalidCrop means the candidate's region is degenerate or lies outside the frame
var ErrInvalidCrop = errors.New("invalid crop")

// GateResult is the outcome of a single gate
type GateResult struct {
	Passed bool `json:"passed"`
	// Skipped is set when the gate was not evaluated because an earlier gate failed
	Skipped bool    `json:"skipped,omitempty"`
	Value   float64 `json:"value"`
	Reason  string  `json:"reason,omitempty"`
}

var skipped = GateResult{Skipped: true, Reason: "not evaluated"}

// VerifiedDetection is a candidate which passed every gate
type VerifiedDetection struct {
	Candidate      detect.Candidate `json:"candidate"`
	Center         geom.Point       `json:"center"`
	RadiusEstimate float64          `json:"radius_estimate"`
}

// Verdict explains the decision made for one candidate
type Verdict struct {
	Candidate detect.Candidate   `json:"candidate"`
	Accepted  bool               `json:"accepted"`
	Size      GateResult         `json:"size"`
	Color     GateResult         `json:"color"`
	Shape     GateResult         `json:"shape"`
	Detection *VerifiedDetection `json:"detection,omitempty"`
	Err       error              `json:"-"`
}

// FailedGate returns name of the first failed gate or empty string
func (v Verdict) FailedGate() string {
	switch {
	case v.Accepted:
		return ""
	case !v.Size.Passed:
		return "size"
	case v.Err != nil:
		return "crop"
	case !v.Color.Passed:
		return "color"
	default:
		return "shape"
	}
}

// Verifier applies the gates to candidates
type Verifier struct {
	cfg     Config
	backend Backend
	log     zerolog.Logger
}

// Option configures Verifier
type Option func(*Verifier)

// WithBackend replaces default NativeBackend
func WithBackend(backend Backend) Option {
	return func(v *Verifier) {
		v.backend = backend
	}
}

// WithLogger sets logger for rejected candidates
func WithLogger(log zerolog.Logger) Option {
	return func(v *Verifier) {
		v.log = log
	}
}

// NewVerifier creates new instance of Verifier
func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid verifier config")
	}
	v := &Verifier{
		cfg:     cfg,
		backend: NewNativeBackend(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Config returns verification thresholds
func (v *Verifier) Config() Config {
	return v.cfg
}

// SizeGate checks bbox area against [MinArea, MaxArea]
func (v *Verifier) SizeGate(candidate detect.Candidate) GateResult {
	area := candidate.BBox.Area()
	result := GateResult{Value: area}
	switch {
	case !candidate.BBox.Valid():
		result.Reason = "degenerate bbox"
	case area < v.cfg.MinArea:
		result.Reason = fmt.Sprintf("area %.1f below %.1f", area, v.cfg.MinArea)
	case area > v.cfg.MaxArea:
		result.Reason = fmt.Sprintf("area %.1f above %.1f", area, v.cfg.MaxArea)
	default:
		result.Passed = true
	}
	return result
}

// ColorGate measures the fraction of red and of white pixels; either one must exceed ColorThreshold.
// Value is the larger fraction.
func (v *Verifier) ColorGate(crop image.Image) GateResult {
	pixels, err := v.backend.HSV(crop)
	if err != nil {
		return GateResult{Reason: err.Error()}
	}
	if len(pixels) == 0 {
		return GateResult{Reason: "no opaque pixels"}
	}
	red, white := 0, 0
	for _, px := range pixels {
		if v.isRed(px) {
			red++
		} else if px.S <= v.cfg.WhiteMaxSaturation && px.V >= v.cfg.WhiteMinValue {
			white++
		}
	}
	redFraction := float64(red) / float64(len(pixels))
	whiteFraction := float64(white) / float64(len(pixels))
	result := GateResult{Value: redFraction}
	if whiteFraction > redFraction {
		result.Value = whiteFraction
	}
	if result.Value > v.cfg.ColorThreshold {
		result.Passed = true
		return result
	}
	result.Reason = fmt.Sprintf("red %.3f and white %.3f not above %.3f", redFraction, whiteFraction, v.cfg.ColorThreshold)
	return result
}

func (v *Verifier) isRed(px HSV) bool {
	if px.S < v.cfg.RedMinSaturation || px.V < v.cfg.RedMinValue {
		return false
	}
	for _, band := range v.cfg.RedHues {
		if band.Contains(px.H) {
			return true
		}
	}
	return false
}

// ShapeGate passes when at least one circle is found in the crop. Value is the best circle's support.
func (v *Verifier) ShapeGate(crop image.Image) GateResult {
	result, _ := v.shapeGate(crop)
	return result
}

func (v *Verifier) shapeGate(crop image.Image) (GateResult, []Circle) {
	circles, err := v.backend.Circles(crop, v.cfg.CircleParams())
	if err != nil {
		return GateResult{Reason: err.Error()}, nil
	}
	if len(circles) == 0 {
		return GateResult{Reason: "no circle found"}, nil
	}
	return GateResult{Passed: true, Value: circles[0].Support}, circles
}

// Crop cuts candidate's region out of the frame
func Crop(frame image.Image, candidate detect.Candidate) (image.Image, image.Rectangle, error) {
	if frame == nil {
		return nil, image.Rectangle{}, errors.Wrap(ErrInvalidCrop, "no frame image")
	}
	region := candidate.BBox.ImageRect().Intersect(frame.Bounds())
	if region.Empty() {
		return nil, region, errors.Wrapf(ErrInvalidCrop, "bbox %v outside frame %v", candidate.BBox.ImageRect(), frame.Bounds())
	}
	return imaging.Crop(frame, region), region, nil
}

// Verify evaluates gates in order size, color, shape and stops at the first failure.
// A degenerate crop rejects the candidate with ErrInvalidCrop.
func (v *Verifier) Verify(frame image.Image, candidate detect.Candidate) Verdict {
	verdict := Verdict{
		Candidate: candidate,
		Color:     skipped,
		Shape:     skipped,
	}
	verdict.Size = v.SizeGate(candidate)
	if !verdict.Size.Passed {
		return verdict
	}
	crop, region, err := Crop(frame, candidate)
	if err != nil {
		verdict.Err = err
		return verdict
	}
	verdict.Color = v.ColorGate(crop)
	if !verdict.Color.Passed {
		return verdict
	}
	var circles []Circle
	verdict.Shape, circles = v.shapeGate(crop)
	if !verdict.Shape.Passed {
		return verdict
	}
	best := circles[0]
	verdict.Accepted = true
	verdict.Detection = &VerifiedDetection{
		Candidate: candidate,
		// Pixel centers sit half a pixel inside their integer coordinates
		Center:         geom.NewPoint(float64(region.Min.X)+best.Center.X+0.5, float64(region.Min.Y)+best.Center.Y+0.5),
		RadiusEstimate: best.Radius,
	}
	return verdict
}

// Select verifies every candidate of a frame and promotes at most one:
// the accepted candidate with the highest confidence, ties broken by larger area.
func (v *Verifier) Select(frame image.Image, candidates []detect.Candidate) (*VerifiedDetection, []Verdict) {
	verdicts := make([]Verdict, 0, len(candidates))
	var best *VerifiedDetection
	for _, candidate := range candidates {
		verdict := v.Verify(frame, candidate)
		verdicts = append(verdicts, verdict)
		if !verdict.Accepted {
			event := v.log.Debug().
				Int("frame", candidate.FrameIndex).
				Float64("confidence", candidate.Confidence).
				Str("gate", verdict.FailedGate())
			if verdict.Err != nil {
				event = event.Err(verdict.Err)
			}
			event.Msg("candidate rejected")
			continue
		}
		if best == nil || better(verdict.Detection.Candidate, best.Candidate) {
			best = verdict.Detection
		}
	}
	return best, verdicts
}

func better(a, b detect.Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.BBox.Area() > b.BBox.Area()
}
