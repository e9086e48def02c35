// Package events derives shot events from ball trajectories and per-frame bat/pose metrics.
//
// Classification is driven by a Policy table so it can be tuned without touching the tracker.
package events

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/LdDl/balltrack/geom"
	"github.com/LdDl/balltrack/track"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptyTrajectory means the trajectory has no points
	ErrEmptyTrajectory = errors.New("empty trajectory")
	// ErrNoContact means no auxiliary frame reports bat contact
	ErrNoContact = errors.New("no bat contact signal")
)

// FrameMetrics are per-frame signals of the external pose and bat tracking collaborator.
// Scores are in [0, 1], BatAngle is in degrees from horizontal.
type FrameMetrics struct {
	FrameIndex      int     `json:"frame_index" mapstructure:"frame_index"`
	BatContact      bool    `json:"bat_contact" mapstructure:"bat_contact"`
	BatSpeed        float64 `json:"bat_speed" mapstructure:"bat_speed"`
	BatAngle        float64 `json:"bat_angle" mapstructure:"bat_angle"`
	Footwork        float64 `json:"footwork" mapstructure:"footwork"`
	Balance         float64 `json:"balance" mapstructure:"balance"`
	HeadPosition    float64 `json:"head_position" mapstructure:"head_position"`
	FollowThrough   float64 `json:"follow_through" mapstructure:"follow_through"`
	EdgeProbability float64 `json:"edge_probability" mapstructure:"edge_probability"`
}

func (m FrameMetrics) vector() []float64 {
	return []float64{m.Footwork, m.Balance, m.HeadPosition, m.FollowThrough, 1 - m.EdgeProbability}
}

// Input is everything needed to classify one shot
type Input struct {
	// Closed trajectory or suffix of an active one
	Trajectory track.Snapshot
	Aux        []FrameMetrics
	// Frame size in pixels, used to normalize impact position. Zero disables impact bands.
	FrameSize image.Point
	// Frames per second. Non-positive value gives ball speed in pixels per frame.
	FPS       float64
	Timestamp time.Time
}

// ShotEvent is created once per detected impact and never changes afterwards
type ShotEvent struct {
	Timestamp      time.Time   `json:"timestamp"`
	TrajectoryID   int64       `json:"trajectory_id"`
	ContactFrame   int         `json:"contact_frame"`
	ImpactFrame    int         `json:"impact_frame"`
	ShotType       string      `json:"shot_type"`
	Quality        QualityTier `json:"quality"`
	QualityScore   float64     `json:"quality_score"`
	ImpactPosition geom.Point  `json:"impact_position"`
	// Impact position divided by frame size, zero when frame size is unknown
	NormalizedImpact geom.Point   `json:"normalized_impact"`
	ImpactSource     track.Source `json:"impact_source"`
	// Pixels per second, or pixels per frame when FPS is unknown
	BallSpeed float64      `json:"ball_speed"`
	BatSpeed  float64      `json:"bat_speed"`
	Metrics   FrameMetrics `json:"metrics"`
}

// Stats are running aggregates over the session's shot history
type Stats struct {
	Total         int                 `json:"total"`
	ByQuality     map[QualityTier]int `json:"by_quality"`
	ByShotType    map[string]int      `json:"by_shot_type"`
	MeanBallSpeed float64             `json:"mean_ball_speed"`
	MeanBatSpeed  float64             `json:"mean_bat_speed"`
}

// Analyzer classifies shots and keeps the ordered shot history of a session
type Analyzer struct {
	mu      sync.RWMutex
	policy  Policy
	history []ShotEvent
	log     zerolog.Logger
}

// Option configures Analyzer
type Option func(*Analyzer)

// WithLogger sets logger for shot events
func WithLogger(log zerolog.Logger) Option {
	return func(analyzer *Analyzer) {
		analyzer.log = log
	}
}

// NewAnalyzer creates new instance of Analyzer
func NewAnalyzer(policy Policy, opts ...Option) (*Analyzer, error) {
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid analyzer policy")
	}
	analyzer := &Analyzer{
		policy:  policy.Clone(),
		history: make([]ShotEvent, 0),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(analyzer)
	}
	return analyzer, nil
}

// Policy returns a copy of the decision table
func (analyzer *Analyzer) Policy() Policy {
	return analyzer.policy.Clone()
}

// Classify builds a shot event without touching the history. Same input gives the same event.
func (analyzer *Analyzer) Classify(in Input) (ShotEvent, error) {
	points := in.Trajectory.Points
	if len(points) == 0 {
		return ShotEvent{}, ErrEmptyTrajectory
	}
	contact, ok := contactMetrics(in.Aux)
	if !ok {
		return ShotEvent{}, ErrNoContact
	}
	impactIdx := nearestPoint(points, contact.FrameIndex)
	impact := points[impactIdx]

	event := ShotEvent{
		Timestamp:      in.Timestamp,
		TrajectoryID:   in.Trajectory.ID,
		ContactFrame:   contact.FrameIndex,
		ImpactFrame:    impact.FrameIndex,
		ImpactPosition: impact.Position,
		ImpactSource:   impact.Source,
		BallSpeed:      ballSpeed(points[:impactIdx+1], analyzer.policy.SpeedWindow, in.FPS),
		BatSpeed:       contact.BatSpeed,
		Metrics:        contact,
	}
	hasFrame := in.FrameSize.X > 0 && in.FrameSize.Y > 0
	if hasFrame {
		event.NormalizedImpact = geom.NewPoint(impact.Position.X/float64(in.FrameSize.X), impact.Position.Y/float64(in.FrameSize.Y))
	}
	event.ShotType = analyzer.policy.classifyShot(event.NormalizedImpact, hasFrame, contact)
	event.QualityScore = analyzer.policy.score(contact)
	event.Quality = analyzer.policy.tier(event.QualityScore)
	return event, nil
}

// Analyze classifies the shot and appends it to the history
func (analyzer *Analyzer) Analyze(in Input) (ShotEvent, error) {
	event, err := analyzer.Classify(in)
	if err != nil {
		return event, err
	}
	analyzer.mu.Lock()
	analyzer.history = append(analyzer.history, event)
	total := len(analyzer.history)
	analyzer.mu.Unlock()

	analyzer.log.Info().
		Int64("trajectory_id", event.TrajectoryID).
		Int("impact_frame", event.ImpactFrame).
		Str("shot_type", event.ShotType).
		Str("quality", string(event.Quality)).
		Float64("ball_speed", event.BallSpeed).
		Int("shots", total).
		Msg("shot analyzed")
	return event, nil
}

// History returns shot events in insertion order
func (analyzer *Analyzer) History() []ShotEvent {
	analyzer.mu.RLock()
	defer analyzer.mu.RUnlock()
	history := make([]ShotEvent, len(analyzer.history))
	copy(history, analyzer.history)
	return history
}

// Stats returns aggregates over the history
func (analyzer *Analyzer) Stats() Stats {
	analyzer.mu.RLock()
	defer analyzer.mu.RUnlock()
	stats := Stats{
		Total:      len(analyzer.history),
		ByQuality:  make(map[QualityTier]int),
		ByShotType: make(map[string]int),
	}
	if stats.Total == 0 {
		return stats
	}
	ballSpeeds := make([]float64, 0, stats.Total)
	batSpeeds := make([]float64, 0, stats.Total)
	for _, event := range analyzer.history {
		stats.ByQuality[event.Quality]++
		stats.ByShotType[event.ShotType]++
		ballSpeeds = append(ballSpeeds, event.BallSpeed)
		batSpeeds = append(batSpeeds, event.BatSpeed)
	}
	stats.MeanBallSpeed = stat.Mean(ballSpeeds, nil)
	stats.MeanBatSpeed = stat.Mean(batSpeeds, nil)
	return stats
}

// Recommendations returns tips for the latest event's tier followed by a tip for its weakest metric
func (analyzer *Analyzer) Recommendations() []string {
	analyzer.mu.RLock()
	defer analyzer.mu.RUnlock()
	if len(analyzer.history) == 0 {
		return nil
	}
	latest := analyzer.history[len(analyzer.history)-1]
	tips := append([]string{}, analyzer.policy.Recommendations[latest.Quality]...)
	values := latest.Metrics.vector()
	weakest := floats.MinIdx(values)
	if tip, ok := analyzer.policy.MetricTips[metricOrder[weakest]]; ok && tip != "" {
		tips = append(tips, tip)
	}
	return tips
}

// Reset clears the history
func (analyzer *Analyzer) Reset() {
	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	analyzer.history = make([]ShotEvent, 0)
}

// contactMetrics returns the first frame reporting bat contact
func contactMetrics(aux []FrameMetrics) (FrameMetrics, bool) {
	for _, m := range aux {
		if m.BatContact {
			return m, true
		}
	}
	return FrameMetrics{}, false
}

// nearestPoint returns index of the point nearest in time to the frame, ties go to the earlier point
func nearestPoint(points []track.TrackPoint, frameIndex int) int {
	best := 0
	bestDistance := math.MaxInt
	for i, pt := range points {
		distance := pt.FrameIndex - frameIndex
		if distance < 0 {
			distance = -distance
		}
		if distance < bestDistance {
			best = i
			bestDistance = distance
		}
	}
	return best
}

// ballSpeed fits x(t) and y(t) by least squares over the last observed points and returns the speed
func ballSpeed(points []track.TrackPoint, window int, fps float64) float64 {
	frames := make([]float64, 0, window)
	xs := make([]float64, 0, window)
	ys := make([]float64, 0, window)
	for i := len(points) - 1; i >= 0 && len(frames) < window; i-- {
		if points[i].Source != track.SourceObserved {
			continue
		}
		frames = append(frames, float64(points[i].FrameIndex))
		xs = append(xs, points[i].Position.X)
		ys = append(ys, points[i].Position.Y)
	}
	if len(frames) < 2 {
		return 0
	}
	_, slopeX := stat.LinearRegression(frames, xs, nil, false)
	_, slopeY := stat.LinearRegression(frames, ys, nil, false)
	speed := math.Hypot(slopeX, slopeY)
	if fps > 0 {
		speed *= fps
	}
	return speed
}

func (p Policy) classifyShot(impact geom.Point, hasFrame bool, m FrameMetrics) string {
	for _, rule := range p.ShotRules {
		if (rule.ImpactX != nil || rule.ImpactY != nil) && !hasFrame {
			continue
		}
		if rule.ImpactX.Contains(impact.X) && rule.ImpactY.Contains(impact.Y) &&
			rule.BatAngle.Contains(m.BatAngle) && rule.BatSpeed.Contains(m.BatSpeed) {
			return rule.Name
		}
	}
	return p.FallbackShot
}

// score is the weighted mean of the metrics clamped to [0, 1]
func (p Policy) score(m FrameMetrics) float64 {
	weights := p.Weights.vector()
	values := m.vector()
	for i := range values {
		values[i] = math.Max(0, math.Min(1, values[i]))
	}
	return floats.Dot(weights, values) / floats.Sum(weights)
}
