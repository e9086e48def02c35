package detect

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/LdDl/balltrack/geom"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDetector struct {
	detections []Detection
	err        error
	calls      int
	closed     bool
}

func (m *mockDetector) Predict(ctx context.Context, frame Frame) ([]Detection, error) {
	m.calls++
	return m.detections, m.err
}

func (m *mockDetector) Close() error {
	m.closed = true
	return nil
}

func box(x1, y1, x2, y2 float64, label string, confidence float64) Detection {
	return Detection{BBox: geom.NewRectFromCorners(x1, y1, x2, y2), Label: label, Confidence: confidence}
}

func newTestGenerator(t *testing.T, detector Detector, mutate func(*Config), opts ...Option) *Generator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	gen, err := NewGenerator(detector, cfg, opts...)
	require.NoError(t, err)
	return gen
}

func TestGeneratorFiltersCandidates(t *testing.T) {
	detector := &mockDetector{
		detections: []Detection{
			box(0, 0, 10, 10, "sports ball", 0.8),
			box(100, 100, 120, 120, "Sports Ball", 0.95),
			box(1, 0, 11, 10, "sports ball", 0.7),
			box(50, 50, 90, 150, "person", 0.99),
			box(30, 30, 20, 40, "sports ball", 0.6),
			box(200, 200, 210, 210, "sports ball", 0.1),
		},
	}
	gen := newTestGenerator(t, detector, nil)
	result := gen.Generate(context.Background(), Frame{Index: 7})

	assert.Equal(t, StatusOK, result.Status)
	assert.NoError(t, result.Err)
	assert.False(t, result.Skipped())
	assert.Equal(t, 1, result.Dropped)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, 0.95, result.Candidates[0].Confidence)
	assert.Equal(t, 0.8, result.Candidates[1].Confidence)
	for _, candidate := range result.Candidates {
		assert.Equal(t, 7, candidate.FrameIndex)
		assert.NoError(t, candidate.Validate())
	}
}

func TestGeneratorNMSDisabled(t *testing.T) {
	detector := &mockDetector{
		detections: []Detection{
			box(0, 0, 10, 10, "sports ball", 0.8),
			box(1, 0, 11, 10, "sports ball", 0.7),
		},
	}
	gen := newTestGenerator(t, detector, func(cfg *Config) {
		cfg.NMSIoU = 0
		cfg.TargetLabels = nil
	})
	result := gen.Generate(context.Background(), Frame{Index: 0})
	assert.Len(t, result.Candidates, 2)
}

func TestGeneratorFailSoft(t *testing.T) {
	tests := []struct {
		name     string
		detector Detector
		ctx      func() context.Context
		status   Status
		sentinel error
	}{
		{
			name:     "no detector",
			detector: nil,
			status:   StatusUnavailable,
			sentinel: ErrDetectorUnavailable,
		},
		{
			name:     "detector error",
			detector: &mockDetector{err: errors.New("model file not found")},
			status:   StatusUnavailable,
			sentinel: ErrDetectorUnavailable,
		},
		{
			name: "detector panic",
			detector: DetectorFunc(func(ctx context.Context, frame Frame) ([]Detection, error) {
				panic("tensor shape mismatch")
			}),
			status:   StatusUnavailable,
			sentinel: ErrDetectorUnavailable,
		},
		{
			name: "detector respects deadline",
			detector: DetectorFunc(func(ctx context.Context, frame Frame) ([]Detection, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			status:   StatusTimeout,
			sentinel: context.DeadlineExceeded,
		},
		{
			name: "caller canceled",
			detector: &mockDetector{
				detections: []Detection{box(0, 0, 10, 10, "sports ball", 0.9)},
			},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			status:   StatusCanceled,
			sentinel: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newTestGenerator(t, tt.detector, func(cfg *Config) {
				cfg.Timeout = 20 * time.Millisecond
			})
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			result := gen.Generate(ctx, Frame{Index: 3})
			assert.Equal(t, tt.status, result.Status)
			assert.True(t, result.Skipped())
			assert.Empty(t, result.Candidates)
			assert.Equal(t, 3, result.FrameIndex)
			assert.ErrorIs(t, result.Err, tt.sentinel)
		})
	}
}

func TestGeneratorStalledDetectorDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	detector := DetectorFunc(func(ctx context.Context, frame Frame) ([]Detection, error) {
		<-release
		return nil, nil
	})
	gen := newTestGenerator(t, detector, func(cfg *Config) {
		cfg.Timeout = 10 * time.Millisecond
	})
	start := time.Now()
	result := gen.Generate(context.Background(), Frame{Index: 0})
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGeneratorClose(t *testing.T) {
	detector := &mockDetector{}
	gen := newTestGenerator(t, detector, nil)
	require.NoError(t, gen.Close())
	assert.True(t, detector.closed)

	funcGen := newTestGenerator(t, DetectorFunc(func(ctx context.Context, frame Frame) ([]Detection, error) {
		return nil, nil
	}), nil)
	assert.NoError(t, funcGen.Close())
}

func TestGeneratorWritesArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writer, err := NewLabelWriter(fs, "labels", []string{"sports ball"})
	require.NoError(t, err)
	detector := &mockDetector{
		detections: []Detection{box(40, 20, 60, 40, "sports ball", 0.9)},
	}
	gen := newTestGenerator(t, detector, nil, WithArtifacts(writer))
	frame := Frame{Index: 12, Image: image.NewRGBA(image.Rect(0, 0, 200, 100))}
	result := gen.Generate(context.Background(), frame)
	require.Equal(t, StatusOK, result.Status)

	data, err := afero.ReadFile(fs, writer.Path(12))
	require.NoError(t, err)
	assert.Equal(t, "0 0.250000 0.300000 0.100000 0.200000\n", string(data))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(cfg *Config) { cfg.ConfidenceThreshold = 1.2 }},
		{"negative threshold", func(cfg *Config) { cfg.ConfidenceThreshold = -0.1 }},
		{"blank label", func(cfg *Config) { cfg.TargetLabels = []string{"sports ball", " "} }},
		{"negative timeout", func(cfg *Config) { cfg.Timeout = -time.Second }},
		{"nms above one", func(cfg *Config) { cfg.NMSIoU = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewGenerator(nil, cfg)
			assert.Error(t, err)
		})
	}
}

func TestCandidateValidate(t *testing.T) {
	valid := Candidate{BBox: geom.NewRectFromCorners(1, 1, 5, 5), Confidence: 1}
	assert.NoError(t, valid.Validate())

	flat := Candidate{BBox: geom.NewRectFromCorners(1, 1, 5, 1), Confidence: 0.5}
	assert.ErrorIs(t, flat.Validate(), ErrInvalidCandidate)

	overconfident := Candidate{BBox: geom.NewRectFromCorners(1, 1, 5, 5), Confidence: 1.01}
	assert.ErrorIs(t, overconfident.Validate(), ErrInvalidCandidate)
}
