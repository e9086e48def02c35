package detect

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/LdDl/balltrack/geom"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config holds candidate generation parameters
type Config struct {
	// Detections below this confidence are ignored. Default 0.25
	ConfidenceThreshold float64
	// Accepted class labels (case-insensitive). Empty means any label. Default ["sports ball"]
	TargetLabels []string
	// Per-frame deadline for the detector, 0 disables it. Default 2s
	Timeout time.Duration
	// Boxes of the same label overlapping above this IoU are suppressed, 0 disables it. Default 0.7
	NMSIoU float64
}

// DefaultConfig returns default generation parameters
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.25,
		TargetLabels:        []string{"sports ball"},
		Timeout:             2 * time.Second,
		NMSIoU:              0.7,
	}
}

// Validate checks that parameters are usable
func (cfg Config) Validate() error {
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0, 1], got %v", cfg.ConfidenceThreshold)
	}
	for i, label := range cfg.TargetLabels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("target label %d is empty", i)
		}
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", cfg.Timeout)
	}
	if cfg.NMSIoU < 0 || cfg.NMSIoU > 1 {
		return fmt.Errorf("NMS IoU must be in [0, 1], got %v", cfg.NMSIoU)
	}
	return nil
}

// Generator turns detector output into candidates for a single frame
type Generator struct {
	detector Detector
	cfg      Config
	labels   map[string]struct{}
	log      zerolog.Logger
	writer   *LabelWriter
}

// Option configures Generator
type Option func(*Generator)

// WithLogger sets logger for detector failures
func WithLogger(log zerolog.Logger) Option {
	return func(gen *Generator) {
		gen.log = log
	}
}

// WithArtifacts makes Generator write a label file for every frame it processes
func WithArtifacts(writer *LabelWriter) Option {
	return func(gen *Generator) {
		gen.writer = writer
	}
}

// NewGenerator creates new instance of Generator. A nil detector is allowed:
// every frame is then reported as StatusUnavailable.
func NewGenerator(detector Detector, cfg Config, opts ...Option) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid detector config")
	}
	gen := &Generator{
		detector: detector,
		cfg:      cfg,
		labels:   make(map[string]struct{}, len(cfg.TargetLabels)),
		log:      zerolog.Nop(),
	}
	for _, label := range cfg.TargetLabels {
		gen.labels[normalizeLabel(label)] = struct{}{}
	}
	for _, opt := range opts {
		opt(gen)
	}
	return gen, nil
}

// Config returns generation parameters
func (gen *Generator) Config() Config {
	return gen.cfg
}

type prediction struct {
	detections []Detection
	err        error
}

// Generate asks the detector for boxes on the frame and keeps valid target candidates
// ordered by descending confidence. It never panics and never blocks past Config.Timeout.
func (gen *Generator) Generate(ctx context.Context, frame Frame) Result {
	result := Result{FrameIndex: frame.Index, Status: StatusOK}
	if gen.detector == nil {
		return gen.fail(result, StatusUnavailable, errors.Wrap(ErrDetectorUnavailable, "no detector configured"))
	}
	if err := ctx.Err(); err != nil {
		return gen.fail(result, StatusCanceled, err)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if gen.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, gen.cfg.Timeout)
	}
	defer cancel()

	done := make(chan prediction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- prediction{err: errors.Errorf("detector panicked: %v", r)}
			}
		}()
		detections, err := gen.detector.Predict(callCtx, frame)
		done <- prediction{detections: detections, err: err}
	}()

	var out prediction
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}
	if out.err != nil {
		switch {
		case ctx.Err() != nil:
			return gen.fail(result, StatusCanceled, ctx.Err())
		case errors.Is(out.err, context.DeadlineExceeded):
			return gen.fail(result, StatusTimeout, errors.Wrapf(out.err, "detector exceeded %s", gen.cfg.Timeout))
		default:
			return gen.fail(result, StatusUnavailable, errors.Wrapf(ErrDetectorUnavailable, "%v", out.err))
		}
	}

	candidates := make([]Candidate, 0, len(out.detections))
	for _, det := range out.detections {
		if det.Confidence < gen.cfg.ConfidenceThreshold || !gen.accepts(det.Label) {
			continue
		}
		candidate := Candidate{
			FrameIndex: frame.Index,
			BBox:       det.BBox,
			Label:      det.Label,
			Confidence: det.Confidence,
		}
		if err := candidate.Validate(); err != nil {
			result.Dropped++
			gen.log.Debug().Int("frame", frame.Index).Err(err).Msg("dropped detection")
			continue
		}
		candidates = append(candidates, candidate)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if gen.cfg.NMSIoU > 0 {
		candidates = suppressOverlaps(candidates, gen.cfg.NMSIoU)
	}
	result.Candidates = candidates

	if gen.writer != nil && frame.Image != nil {
		if err := gen.writer.Write(frame, candidates); err != nil {
			gen.log.Warn().Int("frame", frame.Index).Err(err).Msg("can't write label artifact")
		}
	}
	return result
}

func (gen *Generator) fail(result Result, status Status, err error) Result {
	result.Status = status
	result.Err = err
	result.Candidates = nil
	gen.log.Warn().
		Int("frame", result.FrameIndex).
		Str("status", status.String()).
		Err(err).
		Msg("frame skipped")
	return result
}

func (gen *Generator) accepts(label string) bool {
	if len(gen.labels) == 0 {
		return true
	}
	_, ok := gen.labels[normalizeLabel(label)]
	return ok
}

// Close releases the detector when it holds resources
func (gen *Generator) Close() error {
	if closer, ok := gen.detector.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// suppressOverlaps expects candidates sorted by descending confidence
func suppressOverlaps(candidates []Candidate, threshold float64) []Candidate {
	kept := candidates[:0]
	for _, candidate := range candidates {
		duplicate := false
		for _, other := range kept {
			if normalizeLabel(other.Label) != normalizeLabel(candidate.Label) {
				continue
			}
			if geom.IoU(other.BBox, candidate.BBox) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}
