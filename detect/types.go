// Package detect wraps an external learned object detector and turns its raw output into
// per-frame ball candidates. A failing detector never stops the stream: every failure is
// reported as an empty result with a status the caller can branch on.
package detect

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/LdDl/balltrack/geom"
	"github.com/pkg/errors"
)

var (
	// ErrDetectorUnavailable means the external detector failed to load or to predict
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrInvalidCandidate means detector output violates bbox or confidence constraints
	ErrInvalidCandidate = errors.New("invalid candidate")
)

// Frame is an ordered image sample of the video stream
type Frame struct {
	Index     int
	Timestamp time.Duration
	Image     image.Image
}

// Detection is a single raw box produced by a detector
type Detection struct {
	BBox       geom.Rectangle
	Label      string
	Confidence float64
}

// Detector is the capability of an external learned object detector
type Detector interface {
	Predict(ctx context.Context, frame Frame) ([]Detection, error)
}

// DetectorFunc adapts a plain function to Detector
type DetectorFunc func(ctx context.Context, frame Frame) ([]Detection, error)

// Predict calls f(ctx, frame)
func (f DetectorFunc) Predict(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// Candidate is an unverified bounding box proposed for one frame
type Candidate struct {
	FrameIndex int            `json:"frame_index"`
	BBox       geom.Rectangle `json:"bbox"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
}

// Validate checks x1 < x2, y1 < y2 and confidence in [0, 1]
func (c Candidate) Validate() error {
	if !c.BBox.Valid() {
		x1, y1, x2, y2 := c.BBox.Corners()
		return errors.Wrapf(ErrInvalidCandidate, "degenerate bbox (%.1f, %.1f, %.1f, %.1f)", x1, y1, x2, y2)
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return errors.Wrapf(ErrInvalidCandidate, "confidence %v out of [0, 1]", c.Confidence)
	}
	return nil
}

// Status tells the caller how the frame went through the detector
type Status uint8

const (
	StatusOK Status = iota
	// StatusUnavailable means the detector is missing, failed or panicked
	StatusUnavailable
	// StatusTimeout means the detector did not answer within Config.Timeout
	StatusTimeout
	// StatusCanceled means the caller's context was canceled
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusTimeout:
		return "timeout"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of generating candidates for one frame.
// Candidates is always empty when Status is not StatusOK.
type Result struct {
	FrameIndex int
	Candidates []Candidate
	Status     Status
	Err        error
	// Number of raw detections dropped because they violate Candidate constraints
	Dropped int
}

// Skipped reports whether the frame must be treated as having no candidates because of a failure
func (r Result) Skipped() bool {
	return r.Status != StatusOK
}
