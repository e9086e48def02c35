package track

import (
	"container/heap"
	"fmt"
	"math"
	"strings"

	"github.com/LdDl/balltrack/geom"
	"github.com/arthurkushman/go-hungarian"
)

// MatchingAlgorithm is for algorithm type for matching measurements to trajectories
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmGreedy takes gated pairs by ascending distance. With a single measurement per frame it is exact.
	MatchingAlgorithmGreedy MatchingAlgorithm = iota
	// MatchingAlgorithmHungarian uses the Hungarian algorithm (Kuhn-Munkres) for optimal assignment
	MatchingAlgorithmHungarian
)

func (m MatchingAlgorithm) String() string {
	switch m {
	case MatchingAlgorithmGreedy:
		return "greedy"
	case MatchingAlgorithmHungarian:
		return "hungarian"
	default:
		return fmt.Sprintf("MatchingAlgorithm(%d)", uint16(m))
	}
}

// ParseMatchingAlgorithm converts configuration value into MatchingAlgorithm
func ParseMatchingAlgorithm(s string) (MatchingAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "greedy":
		return MatchingAlgorithmGreedy, nil
	case "hungarian":
		return MatchingAlgorithmHungarian, nil
	default:
		return MatchingAlgorithmGreedy, fmt.Errorf("unknown matching algorithm %q", s)
	}
}

// gatedPair is a measurement-trajectory pair that passed the gate
type gatedPair struct {
	measurementIdx int
	trajectoryIdx  int
	distance       float64
}

// pairHeap is a min-heap by distance; ties go to the older trajectory
type pairHeap []gatedPair

func (h pairHeap) Len() int { return len(h) }
func (h pairHeap) Less(i, j int) bool {
	if h[i].distance == h[j].distance {
		if h[i].trajectoryIdx == h[j].trajectoryIdx {
			return h[i].measurementIdx < h[j].measurementIdx
		}
		return h[i].trajectoryIdx < h[j].trajectoryIdx
	}
	return h[i].distance < h[j].distance
}
func (h pairHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pairHeap) Push(x any) {
	*h = append(*h, x.(gatedPair))
}

func (h *pairHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// associate returns, for every measurement, the index of the trajectory in `trajectories` it belongs to, or -1.
func associate(trajectories []*Trajectory, measurements []Measurement, cfg Config) []int {
	assignments := make([]int, len(measurements))
	for i := range assignments {
		assignments[i] = -1
	}
	if len(trajectories) == 0 || len(measurements) == 0 {
		return assignments
	}
	distances := make([][]float64, len(trajectories))
	gates := make([]float64, len(trajectories))
	for ti, traj := range trajectories {
		gates[ti] = traj.gatingRadius(cfg)
		row := make([]float64, len(measurements))
		for mi := range measurements {
			row[mi] = geom.EuclideanDistance(traj.GetPredictedPosition(), measurements[mi].Center)
		}
		distances[ti] = row
	}
	switch cfg.Matching {
	case MatchingAlgorithmHungarian:
		if len(trajectories) > 1 || len(measurements) > 1 {
			return performHungarianMatching(distances, gates, assignments)
		}
		return performGreedyMatching(distances, gates, assignments)
	default:
		return performGreedyMatching(distances, gates, assignments)
	}
}

// performGreedyMatching pops gated pairs from a priority queue by ascending distance.
// Each trajectory and each measurement is reserved at most once.
func performGreedyMatching(distances [][]float64, gates []float64, assignments []int) []int {
	pq := make(pairHeap, 0)
	for ti, row := range distances {
		for mi, dist := range row {
			if dist <= gates[ti] {
				pq = append(pq, gatedPair{measurementIdx: mi, trajectoryIdx: ti, distance: dist})
			}
		}
	}
	heap.Init(&pq)
	reservedTrajectories := make(map[int]struct{})
	for pq.Len() > 0 {
		pair := heap.Pop(&pq).(gatedPair)
		if _, ok := reservedTrajectories[pair.trajectoryIdx]; ok {
			continue
		}
		if assignments[pair.measurementIdx] != -1 {
			continue
		}
		assignments[pair.measurementIdx] = pair.trajectoryIdx
		reservedTrajectories[pair.trajectoryIdx] = struct{}{}
	}
	return assignments
}

// performHungarianMatching minimizes total distance over gated pairs. Weight of a gated pair is
// (widest gate + 1 - distance) so trajectories with a wider gate get no advantage.
// Pairs outside their own gate get zero weight and are filtered out afterwards.
func performHungarianMatching(distances [][]float64, gates []float64, assignments []int) []int {
	numTrajectories := len(distances)
	numMeasurements := len(assignments)

	// Rectangular matrix - pad to make it square. Padding is done with 0.0 values (no match)
	paddedSize := numTrajectories
	if numMeasurements > paddedSize {
		paddedSize = numMeasurements
	}
	paddedMatrix := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		paddedMatrix[i] = make([]float64, paddedSize)
	}
	widest := 0.0
	for _, gate := range gates {
		widest = math.Max(widest, gate)
	}
	for ti := 0; ti < numTrajectories; ti++ {
		for mi := 0; mi < numMeasurements; mi++ {
			if distances[ti][mi] <= gates[ti] {
				paddedMatrix[ti][mi] = widest + 1.0 - distances[ti][mi]
			}
		}
	}

	assignmentsMap := hungarian.SolveMax(paddedMatrix)
	for trajectoryIdx, rowMap := range assignmentsMap {
		for measurementIdx := range rowMap {
			if trajectoryIdx >= numTrajectories || measurementIdx >= numMeasurements {
				continue
			}
			if distances[trajectoryIdx][measurementIdx] > gates[trajectoryIdx] {
				continue
			}
			assignments[measurementIdx] = trajectoryIdx
		}
	}
	return assignments
}
