package track

import (
	"github.com/LdDl/balltrack/geom"
	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
)

// Source tells whether a track point was measured or extrapolated
type Source uint8

const (
	// SourceObserved is a point backed by a verified detection
	SourceObserved Source = iota
	// SourcePredicted is a point extrapolated by constant velocity during a miss
	SourcePredicted
)

func (s Source) String() string {
	switch s {
	case SourceObserved:
		return "observed"
	case SourcePredicted:
		return "predicted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the lifecycle state of a trajectory. Closed is terminal.
type State uint8

const (
	StateActive State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloseReason tells why a trajectory was closed
type CloseReason uint8

const (
	CloseReasonNone CloseReason = iota
	// CloseReasonMisses means consecutive misses exceeded the configured limit
	CloseReasonMisses
	// CloseReasonStopped means the caller stopped the tracker explicitly
	CloseReasonStopped
	// CloseReasonSuperseded means a newer trajectory took over while this one kept missing
	CloseReasonSuperseded
	// CloseReasonBoundary means association failed and the active set was full
	CloseReasonBoundary
	// CloseReasonReset means the tracker was reset
	CloseReasonReset
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonMisses:
		return "misses"
	case CloseReasonStopped:
		return "stopped"
	case CloseReasonSuperseded:
		return "superseded"
	case CloseReasonBoundary:
		return "boundary"
	case CloseReasonReset:
		return "reset"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (r CloseReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Measurement is a verified ball position handed to the tracker for a single frame
type Measurement struct {
	Center     geom.Point
	Radius     float64
	Confidence float64
}

// TrackPoint is a single per-frame entry of a trajectory.
// Velocity is expressed in pixels per frame.
type TrackPoint struct {
	FrameIndex int        `json:"frame_index"`
	Position   geom.Point `json:"position"`
	Source     Source     `json:"source"`
	Velocity   geom.Point `json:"velocity"`
	Radius     float64    `json:"radius"`
}

// Trajectory is the position history of one tracked ball.
// It is mutated only by the Tracker which owns it.
type Trajectory struct {
	id                    int64
	state                 State
	closeReason           CloseReason
	points                []TrackPoint
	noMatchTimes          int
	consecutiveHits       int
	observedCount         int
	lastObserved          int
	velocity              geom.Point
	predictedNextPosition geom.Point
	radius                float64
	// EMA factor for velocity, 1 means raw finite difference
	smoothing float64
	filter    *kalman_filter.Kalman2D
}

func newTrajectory(id int64, frameIndex int, m Measurement, cfg Config) *Trajectory {
	traj := Trajectory{
		id:                    id,
		state:                 StateActive,
		points:                make([]TrackPoint, 0, 64),
		lastObserved:          0,
		predictedNextPosition: m.Center,
		radius:                m.Radius,
		smoothing:             cfg.VelocitySmoothing,
		observedCount:         1,
		consecutiveHits:       1,
	}
	if cfg.PositionFilter == PositionFilterKalman {
		/* Kalman filter props */
		ux := 0.0
		uy := 0.0
		stdDevA := 2.0
		stdDevMx := 0.1
		stdDevMy := 0.1
		traj.filter = kalman_filter.NewKalman2D(1.0, ux, uy, stdDevA, stdDevMx, stdDevMy, kalman_filter.WithState2D(m.Center.X, m.Center.Y))
	}
	traj.points = append(traj.points, TrackPoint{
		FrameIndex: frameIndex,
		Position:   m.Center,
		Source:     SourceObserved,
		Radius:     m.Radius,
	})
	return &traj
}

// GetID returns trajectory's identifier
func (traj *Trajectory) GetID() int64 {
	return traj.id
}

// GetState returns trajectory's lifecycle state
func (traj *Trajectory) GetState() State {
	return traj.state
}

// GetCloseReason returns why trajectory was closed
func (traj *Trajectory) GetCloseReason() CloseReason {
	return traj.closeReason
}

// GetPoints returns copy of trajectory's points
func (traj *Trajectory) GetPoints() []TrackPoint {
	points := make([]TrackPoint, len(traj.points))
	copy(points, traj.points)
	return points
}

// GetNoMatchTimes returns number of consecutive misses
func (traj *Trajectory) GetNoMatchTimes() int {
	return traj.noMatchTimes
}

// GetVelocity returns current velocity estimate in pixels per frame
func (traj *Trajectory) GetVelocity() geom.Point {
	return traj.velocity
}

// GetPredictedPosition returns constant-velocity extrapolation for the next frame
func (traj *Trajectory) GetPredictedPosition() geom.Point {
	return traj.predictedNextPosition
}

// GetObservedCount returns number of observed points
func (traj *Trajectory) GetObservedCount() int {
	return traj.observedCount
}

func (traj *Trajectory) firstFrame() int {
	return traj.points[0].FrameIndex
}

func (traj *Trajectory) lastFrame() int {
	return traj.points[len(traj.points)-1].FrameIndex
}

func (traj *Trajectory) lastObservedFrame() int {
	return traj.points[traj.lastObserved].FrameIndex
}

// hitRunStart returns frame index where the current run of consecutive observations began
func (traj *Trajectory) hitRunStart() int {
	return traj.lastFrame() - traj.consecutiveHits + 1
}

// gatingRadius grows with every consecutive miss so the ball can be re-acquired after occlusion.
// Until the second observation the prediction is the first position, so the wider acquisition radius applies.
func (traj *Trajectory) gatingRadius(cfg Config) float64 {
	base := cfg.GatingRadius
	if traj.observedCount < 2 {
		base = cfg.AcquisitionRadius
	}
	return base + cfg.GatingGrowthPerMiss*float64(traj.noMatchTimes)
}

// observe appends an observed point and refreshes velocity from the last two observed positions
func (traj *Trajectory) observe(frameIndex int, m Measurement) error {
	position := m.Center
	if traj.filter != nil {
		traj.filter.Predict()
		err := traj.filter.Update(position.X, position.Y)
		if err != nil {
			return errors.Wrapf(err, "Can't update position filter of trajectory %d", traj.id)
		}
		stateX, stateY := traj.filter.GetState()
		position = geom.NewPoint(stateX, stateY)
	}

	previous := traj.points[traj.lastObserved]
	gap := float64(frameIndex - previous.FrameIndex)
	rawVelocity := position.Sub(previous.Position).Scale(1.0 / gap)
	if traj.observedCount == 1 {
		traj.velocity = rawVelocity
	} else {
		traj.velocity = traj.velocity.Scale(1.0 - traj.smoothing).Add(rawVelocity.Scale(traj.smoothing))
	}
	if m.Radius > 0 {
		traj.radius = m.Radius
	}

	traj.points = append(traj.points, TrackPoint{
		FrameIndex: frameIndex,
		Position:   position,
		Source:     SourceObserved,
		Velocity:   traj.velocity,
		Radius:     traj.radius,
	})
	traj.lastObserved = len(traj.points) - 1
	traj.observedCount++
	traj.consecutiveHits++
	traj.noMatchTimes = 0
	traj.predictedNextPosition = position.Add(traj.velocity)
	return nil
}

// miss appends a predicted point extrapolated by the last known velocity
func (traj *Trajectory) miss(frameIndex int) {
	if traj.filter != nil {
		// Keep filter's clock aligned with frames
		traj.filter.Predict()
	}
	position := traj.predictedNextPosition
	traj.points = append(traj.points, TrackPoint{
		FrameIndex: frameIndex,
		Position:   position,
		Source:     SourcePredicted,
		Velocity:   traj.velocity,
		Radius:     traj.radius,
	})
	traj.noMatchTimes++
	traj.consecutiveHits = 0
	traj.predictedNextPosition = position.Add(traj.velocity)
}

// close moves trajectory to terminal state. Closing twice keeps the first reason.
func (traj *Trajectory) close(reason CloseReason) bool {
	if traj.state == StateClosed {
		return false
	}
	traj.state = StateClosed
	traj.closeReason = reason
	return true
}

// Snapshot returns read-only copy of trajectory
func (traj *Trajectory) Snapshot() Snapshot {
	return Snapshot{
		ID:            traj.id,
		State:         traj.state,
		CloseReason:   traj.closeReason,
		Points:        traj.GetPoints(),
		ObservedCount: traj.observedCount,
	}
}

// Snapshot is a detached copy of a trajectory handed to callers and to the event analyzer
type Snapshot struct {
	ID            int64        `json:"id"`
	State         State        `json:"state"`
	CloseReason   CloseReason  `json:"close_reason"`
	Points        []TrackPoint `json:"points"`
	ObservedCount int          `json:"observed_count"`
}

// Len returns number of points
func (s Snapshot) Len() int {
	return len(s.Points)
}

// TrimPredicted returns points up to and including the last observed one
func (s Snapshot) TrimPredicted() []TrackPoint {
	last := len(s.Points) - 1
	for last >= 0 && s.Points[last].Source != SourceObserved {
		last--
	}
	return s.Points[:last+1]
}

// Since returns the suffix of points starting at frameIndex
func (s Snapshot) Since(frameIndex int) []TrackPoint {
	for i := range s.Points {
		if s.Points[i].FrameIndex >= frameIndex {
			return s.Points[i:]
		}
	}
	return nil
}
