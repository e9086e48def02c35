// Package pipeline runs candidate generation, verification, tracking and shot analysis
// for one delivery session. Every session owns its own tracker and analyzer.
package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/events"
	"github.com/LdDl/balltrack/track"
	"github.com/LdDl/balltrack/verify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FrameReport describes what happened to one frame
type FrameReport struct {
	FrameIndex int           `json:"frame_index"`
	Status     detect.Status `json:"status"`
	Candidates int           `json:"candidates"`
	Rejected   int           `json:"rejected"`
	// Promoted detection, nil when the frame had none
	Detection *verify.VerifiedDetection `json:"detection,omitempty"`
	Step      track.StepResult          `json:"step"`
}

// Report is the best-effort outcome of a session plus counters showing how degraded it was
type Report struct {
	SessionID          string             `json:"session_id"`
	Frames             int                `json:"frames"`
	SkippedFrames      int                `json:"skipped_frames"`
	RejectedCandidates int                `json:"rejected_candidates"`
	Trajectories       []track.Snapshot   `json:"trajectories"`
	Events             []events.ShotEvent `json:"events"`
}

type sessionOptions struct {
	log     zerolog.Logger
	backend verify.Backend
	labels  *detect.LabelWriter
}

// Option configures Session
type Option func(*sessionOptions)

// WithLogger sets logger shared by every component of the session
func WithLogger(log zerolog.Logger) Option {
	return func(opts *sessionOptions) {
		opts.log = log
	}
}

// WithVerifierBackend replaces default color and shape backend
func WithVerifierBackend(backend verify.Backend) Option {
	return func(opts *sessionOptions) {
		opts.backend = backend
	}
}

// WithLabelArtifacts writes a YOLO label file for every frame
func WithLabelArtifacts(writer *detect.LabelWriter) Option {
	return func(opts *sessionOptions) {
		opts.labels = writer
	}
}

// Session is a single analysis session. ProcessFrame and Run must not be called concurrently.
type Session struct {
	id        uuid.UUID
	cfg       Config
	generator *detect.Generator
	verifier  *verify.Verifier
	tracker   *track.Tracker
	analyzer  *events.Analyzer
	log       zerolog.Logger

	mu        sync.Mutex
	frames    int
	skipped   int
	rejected  int
	frameSize image.Point
}

// NewSession validates configuration and creates every component. A nil detector is allowed:
// frames are then reported as skipped.
func NewSession(cfg Config, detector detect.Detector, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := sessionOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&options)
	}
	id := uuid.New()
	log := options.log.With().Str("session_id", id.String()).Logger()

	generatorOpts := []detect.Option{detect.WithLogger(log)}
	if options.labels != nil {
		generatorOpts = append(generatorOpts, detect.WithArtifacts(options.labels))
	}
	generator, err := detect.NewGenerator(detector, cfg.Detector, generatorOpts...)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "%v", err)
	}
	verifierOpts := []verify.Option{verify.WithLogger(log)}
	if options.backend != nil {
		verifierOpts = append(verifierOpts, verify.WithBackend(options.backend))
	}
	verifier, err := verify.NewVerifier(cfg.Verifier, verifierOpts...)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "%v", err)
	}
	tracker, err := track.NewTracker(cfg.Tracker, track.WithLogger(log))
	if err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "%v", err)
	}
	analyzer, err := events.NewAnalyzer(cfg.Policy, events.WithLogger(log))
	if err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "%v", err)
	}
	return &Session{
		id:        id,
		cfg:       cfg,
		generator: generator,
		verifier:  verifier,
		tracker:   tracker,
		analyzer:  analyzer,
		log:       log,
	}, nil
}

// ID returns session identifier
func (s *Session) ID() string {
	return s.id.String()
}

// Tracker returns session's tracker for read access
func (s *Session) Tracker() *track.Tracker {
	return s.tracker
}

// Analyzer returns session's analyzer
func (s *Session) Analyzer() *events.Analyzer {
	return s.analyzer
}

// prepared is the per-frame work that does not depend on tracker state
type prepared struct {
	frameIndex int
	frameSize  image.Point
	status     detect.Status
	candidates int
	rejected   int
	detection  *verify.VerifiedDetection
}

// prepare generates and verifies candidates. Safe to run concurrently for different frames.
func (s *Session) prepare(ctx context.Context, frame detect.Frame) prepared {
	result := s.generator.Generate(ctx, frame)
	out := prepared{
		frameIndex: frame.Index,
		status:     result.Status,
		candidates: len(result.Candidates),
	}
	if frame.Image != nil {
		out.frameSize = frame.Image.Bounds().Size()
	}
	if result.Skipped() {
		return out
	}
	best, verdicts := s.verifier.Select(frame.Image, result.Candidates)
	for _, verdict := range verdicts {
		if !verdict.Accepted {
			out.rejected++
		}
	}
	out.detection = best
	return out
}

// apply feeds a prepared frame into the tracker. Must be called in frame order.
func (s *Session) apply(p prepared) (FrameReport, error) {
	var measurement *track.Measurement
	if p.detection != nil {
		measurement = &track.Measurement{
			Center:     p.detection.Center,
			Radius:     p.detection.RadiusEstimate,
			Confidence: p.detection.Candidate.Confidence,
		}
	}
	step, err := s.tracker.Step(p.frameIndex, measurement)
	if err != nil {
		return FrameReport{}, err
	}

	s.mu.Lock()
	s.frames++
	if p.status != detect.StatusOK {
		s.skipped++
	}
	s.rejected += p.rejected
	if p.frameSize != (image.Point{}) {
		s.frameSize = p.frameSize
	}
	s.mu.Unlock()

	return FrameReport{
		FrameIndex: p.frameIndex,
		Status:     p.status,
		Candidates: p.candidates,
		Rejected:   p.rejected,
		Detection:  p.detection,
		Step:       step,
	}, nil
}

// ProcessFrame runs one frame through every stage. Only out-of-order frames return an error.
func (s *Session) ProcessFrame(ctx context.Context, frame detect.Frame) (FrameReport, error) {
	return s.apply(s.prepare(ctx, frame))
}

type job struct {
	seq   int
	frame detect.Frame
	err   error
}

type outcome struct {
	seq      int
	prepared prepared
}

// Run processes every frame of the source. Candidates are generated and verified on Workers
// goroutines while the tracker consumes results in source order.
func (s *Session) Run(ctx context.Context, source FrameSource) (Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.cfg.Workers
	jobs := make(chan job, workers)
	outcomes := make(chan outcome, workers)
	// Bounds the number of frames held in memory ahead of the tracker
	window := make(chan struct{}, 4*workers)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(jobs)
		for seq := 0; ; seq++ {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			frame, err := source.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil && !errors.Is(err, ErrBadFrame) {
				return errors.Wrap(err, "Can't read frame")
			}
			select {
			case jobs <- job{seq: seq, frame: frame, err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				var p prepared
				if j.err != nil {
					s.log.Warn().Int("frame", j.frame.Index).Err(j.err).Msg("frame skipped")
					p = prepared{frameIndex: j.frame.Index, status: detect.StatusUnavailable}
				} else {
					p = s.prepare(gctx, j.frame)
				}
				select {
				case outcomes <- outcome{seq: j.seq, prepared: p}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(outcomes)
	}()

	started := time.Now()
	pending := make(map[int]prepared)
	next := 0
	var applyErr error
	for out := range outcomes {
		if applyErr != nil {
			continue
		}
		pending[out.seq] = out.prepared
		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			<-window
			if _, err := s.apply(p); err != nil {
				applyErr = errors.Wrapf(err, "Can't apply frame %d", p.frameIndex)
				cancel()
				break
			}
		}
	}
	err := <-waitErr
	if applyErr != nil {
		return s.Report(), applyErr
	}
	if err != nil {
		return s.Report(), err
	}

	report := s.Report()
	s.log.Info().
		Int("frames", report.Frames).
		Int("skipped_frames", report.SkippedFrames).
		Int("rejected_candidates", report.RejectedCandidates).
		Int("trajectories", len(report.Trajectories)).
		Dur("elapsed", time.Since(started)).
		Msg("run finished")
	return report, nil
}

// AnalyzeShot classifies the shot of the trajectory covering the bat contact frame.
// Without such trajectory the current active one is used, then the last closed one.
func (s *Session) AnalyzeShot(aux []events.FrameMetrics, ts time.Time) (events.ShotEvent, error) {
	trajectory, ok := s.shotTrajectory(aux)
	if !ok {
		return events.ShotEvent{}, events.ErrEmptyTrajectory
	}
	s.mu.Lock()
	frameSize := s.frameSize
	s.mu.Unlock()
	return s.analyzer.Analyze(events.Input{
		Trajectory: trajectory,
		Aux:        aux,
		FrameSize:  frameSize,
		FPS:        s.cfg.FPS,
		Timestamp:  ts,
	})
}

func (s *Session) shotTrajectory(aux []events.FrameMetrics) (track.Snapshot, bool) {
	contactFrame, hasContact := 0, false
	for _, m := range aux {
		if m.BatContact {
			contactFrame, hasContact = m.FrameIndex, true
			break
		}
	}
	if hasContact {
		var best *track.Snapshot
		all := s.tracker.Trajectories()
		for i := range all {
			traj := all[i]
			if len(traj.Points) == 0 {
				continue
			}
			first, last := traj.Points[0].FrameIndex, traj.Points[len(traj.Points)-1].FrameIndex
			if contactFrame < first || contactFrame > last {
				continue
			}
			if best == nil || traj.ObservedCount > best.ObservedCount {
				best = &all[i]
			}
		}
		if best != nil {
			return *best, true
		}
	}
	if current, ok := s.tracker.Current(); ok {
		return current, true
	}
	closed := s.tracker.Closed()
	if len(closed) == 0 {
		return track.Snapshot{}, false
	}
	return closed[len(closed)-1], true
}

// Report returns current state of the session without closing trajectories
func (s *Session) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Report{
		SessionID:          s.id.String(),
		Frames:             s.frames,
		SkippedFrames:      s.skipped,
		RejectedCandidates: s.rejected,
		Trajectories:       s.tracker.Trajectories(),
		Events:             s.analyzer.History(),
	}
}

// Finish closes every active trajectory and returns the final report
func (s *Session) Finish() Report {
	s.tracker.Stop()
	return s.Report()
}

// Reset discards trajectories, shot history and counters. Session id is kept.
func (s *Session) Reset() {
	s.tracker.Reset()
	s.analyzer.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = 0
	s.skipped = 0
	s.rejected = 0
	s.frameSize = image.Point{}
}

// Close releases the detector
func (s *Session) Close() error {
	return s.generator.Close()
}
