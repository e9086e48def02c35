// Package track turns per-frame verified ball positions into trajectories.
//
// The tracker assumes a single ball per delivery. Association gates each measurement by its
// distance from the constant-velocity prediction of every active trajectory instead of solving
// a full multi-object assignment, which keeps a step O(1) for the single-ball case.
// StepMulti with MatchingAlgorithmHungarian is provided for the multi-ball case.
package track

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrOutOfOrder is returned when a frame index is not greater than the previous one
var ErrOutOfOrder = errors.New("frame delivered out of order")

// PositionFilter selects optional smoothing of observed positions
type PositionFilter uint8

const (
	PositionFilterNone PositionFilter = iota
	PositionFilterKalman
)

func (f PositionFilter) String() string {
	switch f {
	case PositionFilterNone:
		return "none"
	case PositionFilterKalman:
		return "kalman"
	default:
		return fmt.Sprintf("PositionFilter(%d)", uint8(f))
	}
}

// ParsePositionFilter converts configuration value into PositionFilter
func ParsePositionFilter(s string) (PositionFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PositionFilterNone, nil
	case "kalman":
		return PositionFilterKalman, nil
	default:
		return PositionFilterNone, fmt.Errorf("unknown position filter %q", s)
	}
}

// Config holds tracker parameters
type Config struct {
	// Max distance (pixels) between predicted and observed position. Default 30.0
	GatingRadius float64
	// Gating radius of a trajectory observed only once, when no velocity is known yet.
	// Must not be less than GatingRadius. Default 120.0
	AcquisitionRadius float64
	// Extra gating radius per consecutive miss. Default 5.0
	GatingGrowthPerMiss float64
	// Trajectory closes when consecutive misses exceed this value. Default 5
	MaxConsecutiveMisses int
	// EMA factor for velocity in (0, 1]. Default 1.0 (raw finite difference)
	VelocitySmoothing float64
	PositionFilter    PositionFilter
	Matching          MatchingAlgorithm
	// Max number of simultaneously active trajectories. Default 2
	MaxActiveTrajectories int
	// Max number of closed trajectories kept in memory, 0 means unbounded
	MaxClosedTrajectories int
}

// DefaultConfig returns default tracker parameters
func DefaultConfig() Config {
	return Config{
		GatingRadius:          30.0,
		AcquisitionRadius:     120.0,
		GatingGrowthPerMiss:   5.0,
		MaxConsecutiveMisses:  5,
		VelocitySmoothing:     1.0,
		PositionFilter:        PositionFilterNone,
		Matching:              MatchingAlgorithmGreedy,
		MaxActiveTrajectories: 2,
		MaxClosedTrajectories: 0,
	}
}

// Validate checks that parameters are usable
func (cfg Config) Validate() error {
	if !(cfg.GatingRadius > 0) || math.IsInf(cfg.GatingRadius, 0) {
		return fmt.Errorf("gating radius must be positive, got %v", cfg.GatingRadius)
	}
	if math.IsNaN(cfg.AcquisitionRadius) || math.IsInf(cfg.AcquisitionRadius, 0) || cfg.AcquisitionRadius < cfg.GatingRadius {
		return fmt.Errorf("acquisition radius must be finite and not less than gating radius %v, got %v", cfg.GatingRadius, cfg.AcquisitionRadius)
	}
	if cfg.GatingGrowthPerMiss < 0 {
		return fmt.Errorf("gating growth per miss must be non-negative, got %v", cfg.GatingGrowthPerMiss)
	}
	if cfg.MaxConsecutiveMisses < 0 {
		return fmt.Errorf("max consecutive misses must be non-negative, got %d", cfg.MaxConsecutiveMisses)
	}
	if !(cfg.VelocitySmoothing > 0 && cfg.VelocitySmoothing <= 1) {
		return fmt.Errorf("velocity smoothing must be in (0, 1], got %v", cfg.VelocitySmoothing)
	}
	if cfg.PositionFilter > PositionFilterKalman {
		return fmt.Errorf("unknown position filter %d", cfg.PositionFilter)
	}
	if cfg.Matching > MatchingAlgorithmHungarian {
		return fmt.Errorf("unknown matching algorithm %d", cfg.Matching)
	}
	if cfg.MaxActiveTrajectories < 1 {
		return fmt.Errorf("max active trajectories must be at least 1, got %d", cfg.MaxActiveTrajectories)
	}
	if cfg.MaxClosedTrajectories < 0 {
		return fmt.Errorf("max closed trajectories must be non-negative, got %d", cfg.MaxClosedTrajectories)
	}
	return nil
}

// Closure describes a trajectory closed during a step
type Closure struct {
	ID     int64       `json:"id"`
	Reason CloseReason `json:"reason"`
}

// StepResult describes what a single frame did to the trajectory set
type StepResult struct {
	FrameIndex int       `json:"frame_index"`
	Associated []int64   `json:"associated,omitempty"`
	Predicted  []int64   `json:"predicted,omitempty"`
	Started    []int64   `json:"started,omitempty"`
	Closed     []Closure `json:"closed,omitempty"`
	// Ambiguous is set when a measurement could not be associated while trajectories were active
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Tracker keeps the session's trajectory set.
// Steps must be applied from a single goroutine in frame order; reads are safe from any goroutine.
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	log    zerolog.Logger
	active []*Trajectory
	closed []*Trajectory
	nextID int64
	// Last processed frame index
	lastFrame int
	started   bool
}

// Option configures Tracker
type Option func(*Tracker)

// WithLogger sets logger for trajectory lifecycle events
func WithLogger(log zerolog.Logger) Option {
	return func(tracker *Tracker) {
		tracker.log = log
	}
}

// NewTrackerDefault creates default instance of Tracker
func NewTrackerDefault() *Tracker {
	tracker, _ := NewTracker(DefaultConfig())
	return tracker
}

// NewTracker creates new instance of Tracker
func NewTracker(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid tracker config")
	}
	tracker := &Tracker{
		cfg:    cfg,
		log:    zerolog.Nop(),
		active: make([]*Trajectory, 0, cfg.MaxActiveTrajectories+1),
		closed: make([]*Trajectory, 0),
		nextID: 1,
	}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker, nil
}

// Config returns tracker parameters
func (tracker *Tracker) Config() Config {
	return tracker.cfg
}

// Step applies one frame with at most one verified measurement (nil means no detection)
func (tracker *Tracker) Step(frameIndex int, measurement *Measurement) (StepResult, error) {
	if measurement == nil {
		return tracker.StepMulti(frameIndex, nil)
	}
	return tracker.StepMulti(frameIndex, []Measurement{*measurement})
}

// StepMulti applies one frame with any number of measurements.
// Forward gaps in frame indices are filled with predicted points.
func (tracker *Tracker) StepMulti(frameIndex int, measurements []Measurement) (StepResult, error) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	result := StepResult{FrameIndex: frameIndex}
	if tracker.started && frameIndex <= tracker.lastFrame {
		return result, errors.Wrapf(ErrOutOfOrder, "got frame %d after frame %d", frameIndex, tracker.lastFrame)
	}
	if tracker.started {
		for gapFrame := tracker.lastFrame + 1; gapFrame < frameIndex; gapFrame++ {
			for _, traj := range tracker.active {
				traj.miss(gapFrame)
			}
			tracker.closeExhausted(gapFrame, &result)
		}
	}
	tracker.lastFrame = frameIndex
	tracker.started = true

	valid := make([]Measurement, 0, len(measurements))
	for _, m := range measurements {
		if math.IsNaN(m.Center.X) || math.IsNaN(m.Center.Y) || math.IsInf(m.Center.X, 0) || math.IsInf(m.Center.Y, 0) {
			continue
		}
		valid = append(valid, m)
	}

	assignments := associate(tracker.active, valid, tracker.cfg)
	matched := make(map[int]struct{}, len(valid))
	for mi, ti := range assignments {
		if ti < 0 {
			continue
		}
		traj := tracker.active[ti]
		if err := traj.observe(frameIndex, valid[mi]); err != nil {
			return result, errors.Wrapf(err, "Can't associate measurement on frame %d", frameIndex)
		}
		matched[ti] = struct{}{}
		result.Associated = append(result.Associated, traj.id)
	}
	for ti, traj := range tracker.active {
		if _, ok := matched[ti]; ok {
			continue
		}
		traj.miss(frameIndex)
		result.Predicted = append(result.Predicted, traj.id)
	}

	// Unassociated measurements open new trajectories, most confident first
	unmatched := make([]int, 0)
	for mi, ti := range assignments {
		if ti < 0 {
			unmatched = append(unmatched, mi)
		}
	}
	sort.SliceStable(unmatched, func(i, j int) bool {
		return valid[unmatched[i]].Confidence > valid[unmatched[j]].Confidence
	})
	hadActive := len(tracker.active) > 0
	for _, mi := range unmatched {
		traj := newTrajectory(tracker.nextID, frameIndex, valid[mi], tracker.cfg)
		tracker.nextID++
		tracker.active = append(tracker.active, traj)
		result.Started = append(result.Started, traj.id)
		if hadActive {
			result.Ambiguous = true
			tracker.log.Info().
				Str("event", "association_ambiguous").
				Int("frame", frameIndex).
				Int64("trajectory_id", traj.id).
				Float64("x", valid[mi].Center.X).
				Float64("y", valid[mi].Center.Y).
				Msg("measurement outside gating radius, trajectory boundary")
		} else {
			tracker.log.Debug().
				Int("frame", frameIndex).
				Int64("trajectory_id", traj.id).
				Msg("trajectory started")
		}
	}

	tracker.closeSuperseded(frameIndex, &result)
	tracker.closeExhausted(frameIndex, &result)
	tracker.closeOverflow(frameIndex, &result)
	return result, nil
}

// closeExhausted closes trajectories whose consecutive misses exceed the limit
func (tracker *Tracker) closeExhausted(frameIndex int, result *StepResult) {
	for _, traj := range tracker.active {
		if traj.noMatchTimes > tracker.cfg.MaxConsecutiveMisses {
			tracker.closeTrajectory(traj, CloseReasonMisses, frameIndex, result)
		}
	}
	tracker.compact()
}

// closeSuperseded prefers a trajectory observed on two consecutive frames over trajectories
// that have not been observed since that run of observations began
func (tracker *Tracker) closeSuperseded(frameIndex int, result *StepResult) {
	for _, fresh := range tracker.active {
		if fresh.state != StateActive || fresh.consecutiveHits < 2 {
			continue
		}
		runStart := fresh.hitRunStart()
		for _, stale := range tracker.active {
			if stale == fresh || stale.state != StateActive {
				continue
			}
			if stale.lastObservedFrame() < runStart {
				tracker.log.Info().
					Str("event", "association_ambiguous").
					Int("frame", frameIndex).
					Int64("trajectory_id", stale.id).
					Int64("superseded_by", fresh.id).
					Msg("trajectory superseded")
				tracker.closeTrajectory(stale, CloseReasonSuperseded, frameIndex, result)
			}
		}
	}
	tracker.compact()
}

// closeOverflow keeps the active set within MaxActiveTrajectories by closing the stalest trajectory
func (tracker *Tracker) closeOverflow(frameIndex int, result *StepResult) {
	for len(tracker.active) > tracker.cfg.MaxActiveTrajectories {
		stalest := tracker.active[0]
		for _, traj := range tracker.active[1:] {
			if traj.lastObservedFrame() < stalest.lastObservedFrame() {
				stalest = traj
			}
		}
		tracker.log.Info().
			Str("event", "association_ambiguous").
			Int("frame", frameIndex).
			Int64("trajectory_id", stalest.id).
			Msg("active set full, closing stalest trajectory")
		tracker.closeTrajectory(stalest, CloseReasonBoundary, frameIndex, result)
		tracker.compact()
	}
}

func (tracker *Tracker) closeTrajectory(traj *Trajectory, reason CloseReason, frameIndex int, result *StepResult) {
	if !traj.close(reason) {
		return
	}
	if result != nil {
		result.Closed = append(result.Closed, Closure{ID: traj.id, Reason: reason})
	}
	tracker.log.Info().
		Int("frame", frameIndex).
		Int64("trajectory_id", traj.id).
		Str("reason", reason.String()).
		Int("points", len(traj.points)).
		Int("observed", traj.observedCount).
		Msg("trajectory closed")
}

// compact moves closed trajectories from the active set into the closed list
func (tracker *Tracker) compact() {
	kept := tracker.active[:0]
	for _, traj := range tracker.active {
		if traj.state == StateActive {
			kept = append(kept, traj)
			continue
		}
		tracker.closed = append(tracker.closed, traj)
	}
	for i := len(kept); i < len(tracker.active); i++ {
		tracker.active[i] = nil
	}
	tracker.active = kept
	if limit := tracker.cfg.MaxClosedTrajectories; limit > 0 && len(tracker.closed) > limit {
		tracker.closed = tracker.closed[len(tracker.closed)-limit:]
	}
}

// Stop closes every active trajectory
func (tracker *Tracker) Stop() []Closure {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	result := StepResult{FrameIndex: tracker.lastFrame}
	for _, traj := range tracker.active {
		tracker.closeTrajectory(traj, CloseReasonStopped, tracker.lastFrame, &result)
	}
	tracker.compact()
	return result.Closed
}

// Reset discards all trajectories and restarts identifiers
func (tracker *Tracker) Reset() {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	for _, traj := range tracker.active {
		traj.close(CloseReasonReset)
	}
	tracker.active = make([]*Trajectory, 0, tracker.cfg.MaxActiveTrajectories+1)
	tracker.closed = make([]*Trajectory, 0)
	tracker.nextID = 1
	tracker.lastFrame = 0
	tracker.started = false
}

// LastFrame returns the last processed frame index and whether any frame was processed
func (tracker *Tracker) LastFrame() (int, bool) {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	return tracker.lastFrame, tracker.started
}

// Current returns the active trajectory which was observed most recently
func (tracker *Tracker) Current() (Snapshot, bool) {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	var best *Trajectory
	for _, traj := range tracker.active {
		if best == nil || traj.lastObservedFrame() >= best.lastObservedFrame() {
			best = traj
		}
	}
	if best == nil {
		return Snapshot{}, false
	}
	return best.Snapshot(), true
}

// Active returns snapshots of active trajectories ordered by id
func (tracker *Tracker) Active() []Snapshot {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	return snapshots(tracker.active)
}

// Closed returns snapshots of closed trajectories in closing order
func (tracker *Tracker) Closed() []Snapshot {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	return snapshots(tracker.closed)
}

// Trajectories returns snapshots of all known trajectories ordered by id
func (tracker *Tracker) Trajectories() []Snapshot {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	all := append(snapshots(tracker.closed), snapshots(tracker.active)...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	return all
}

func snapshots(trajectories []*Trajectory) []Snapshot {
	result := make([]Snapshot, len(trajectories))
	for i, traj := range trajectories {
		result[i] = traj.Snapshot()
	}
	return result
}
