package events

import (
	"fmt"
	"strings"
)

// QualityTier is a coarse grade of shot execution
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityAverage   QualityTier = "average"
	QualityPoor      QualityTier = "poor"
)

// Metric names used for weights and tips
const (
	MetricFootwork      = "footwork"
	MetricBalance       = "balance"
	MetricHeadPosition  = "head_position"
	MetricFollowThrough = "follow_through"
	MetricEdgeAvoidance = "edge_avoidance"
)

// metricOrder fixes iteration order so ties are resolved the same way on every call
var metricOrder = []string{MetricFootwork, MetricBalance, MetricHeadPosition, MetricFollowThrough, MetricEdgeAvoidance}

// Band is an inclusive interval. A nil *Band matches anything.
type Band struct {
	Min float64 `json:"min" mapstructure:"min"`
	Max float64 `json:"max" mapstructure:"max"`
}

// Contains reports whether value lies in the band
func (b *Band) Contains(value float64) bool {
	if b == nil {
		return true
	}
	return value >= b.Min && value <= b.Max
}

func (b *Band) validate() error {
	if b != nil && b.Min > b.Max {
		return fmt.Errorf("band [%v, %v] is inverted", b.Min, b.Max)
	}
	return nil
}

// ShotRule maps feature bands to a shot type.
// Impact coordinates are normalized to the frame: x from left to right, y from top to bottom.
// Bat angle is in degrees from horizontal.
type ShotRule struct {
	Name     string `json:"name" mapstructure:"name"`
	ImpactX  *Band  `json:"impact_x,omitempty" mapstructure:"impact_x"`
	ImpactY  *Band  `json:"impact_y,omitempty" mapstructure:"impact_y"`
	BatAngle *Band  `json:"bat_angle,omitempty" mapstructure:"bat_angle"`
	BatSpeed *Band  `json:"bat_speed,omitempty" mapstructure:"bat_speed"`
}

// QualityWeights weight the metrics of the composite quality score
type QualityWeights struct {
	Footwork      float64 `json:"footwork" mapstructure:"footwork"`
	Balance       float64 `json:"balance" mapstructure:"balance"`
	HeadPosition  float64 `json:"head_position" mapstructure:"head_position"`
	FollowThrough float64 `json:"follow_through" mapstructure:"follow_through"`
	EdgeAvoidance float64 `json:"edge_avoidance" mapstructure:"edge_avoidance"`
}

func (w QualityWeights) vector() []float64 {
	return []float64{w.Footwork, w.Balance, w.HeadPosition, w.FollowThrough, w.EdgeAvoidance}
}

// TierThreshold assigns Tier to scores at or above MinScore
type TierThreshold struct {
	Tier     QualityTier `json:"tier" mapstructure:"tier"`
	MinScore float64     `json:"min_score" mapstructure:"min_score"`
}

// Policy is the declarative decision table of the analyzer
type Policy struct {
	// First matching rule wins
	ShotRules []ShotRule `json:"shot_rules" mapstructure:"shot_rules"`
	// Shot type when no rule matches
	FallbackShot string         `json:"fallback_shot" mapstructure:"fallback_shot"`
	Weights      QualityWeights `json:"weights" mapstructure:"weights"`
	// Ordered by decreasing MinScore. Scores below every threshold get the last tier.
	Tiers []TierThreshold `json:"tiers" mapstructure:"tiers"`
	// Tips keyed by the latest event's tier
	Recommendations map[QualityTier][]string `json:"recommendations" mapstructure:"recommendations"`
	// Tips keyed by metric name, used for the weakest metric of the latest event
	MetricTips map[string]string `json:"metric_tips" mapstructure:"metric_tips"`
	// Number of observed points before impact used for ball speed. Default 8
	SpeedWindow int `json:"speed_window" mapstructure:"speed_window"`
}

// DefaultPolicy returns decision table for a right-handed batter filmed side-on
func DefaultPolicy() Policy {
	return Policy{
		ShotRules: []ShotRule{
			{Name: "defensive", BatSpeed: &Band{Min: 0, Max: 30}},
			{Name: "pull", BatAngle: &Band{Min: 0, Max: 30}, ImpactY: &Band{Min: 0, Max: 0.5}},
			{Name: "cut", BatAngle: &Band{Min: 0, Max: 30}, ImpactY: &Band{Min: 0.5, Max: 1}},
			{Name: "flick", BatAngle: &Band{Min: 30, Max: 60}, ImpactX: &Band{Min: 0, Max: 0.5}},
			{Name: "steer", BatAngle: &Band{Min: 30, Max: 60}, ImpactX: &Band{Min: 0.5, Max: 1}},
			{Name: "on drive", BatAngle: &Band{Min: 60, Max: 90}, ImpactX: &Band{Min: 0, Max: 0.4}},
			{Name: "straight drive", BatAngle: &Band{Min: 60, Max: 90}, ImpactX: &Band{Min: 0.4, Max: 0.6}},
			{Name: "cover drive", BatAngle: &Band{Min: 60, Max: 90}, ImpactX: &Band{Min: 0.6, Max: 1}},
		},
		FallbackShot: "unclassified",
		Weights: QualityWeights{
			Footwork:      0.25,
			Balance:       0.25,
			HeadPosition:  0.15,
			FollowThrough: 0.15,
			EdgeAvoidance: 0.2,
		},
		Tiers: []TierThreshold{
			{Tier: QualityExcellent, MinScore: 0.8},
			{Tier: QualityGood, MinScore: 0.6},
			{Tier: QualityAverage, MinScore: 0.4},
			{Tier: QualityPoor, MinScore: 0},
		},
		Recommendations: map[QualityTier][]string{
			QualityExcellent: {"Keep the same setup and repeat the shot under match pressure."},
			QualityGood:      {"Hold the finish a moment longer to groove the follow-through."},
			QualityAverage: {
				"Get the front foot closer to the pitch of the ball.",
				"Keep the head still through contact.",
			},
			QualityPoor: {
				"Slow the drill down and focus on a stable base.",
				"Play the ball under the eyes rather than away from the body.",
			},
		},
		MetricTips: map[string]string{
			MetricFootwork:      "Work on foot movement towards the line of the ball.",
			MetricBalance:       "Keep the weight centered over the front knee at contact.",
			MetricHeadPosition:  "Keep the head over the ball and level at impact.",
			MetricFollowThrough: "Let the bat finish high along the line of the shot.",
			MetricEdgeAvoidance: "Play with a straighter bat to find the middle more often.",
		},
		SpeedWindow: 8,
	}
}

func (b *Band) clone() *Band {
	if b == nil {
		return nil
	}
	copied := *b
	return &copied
}

// Clone returns a deep copy sharing no slices, maps or bands with p
func (p Policy) Clone() Policy {
	copied := p
	if p.ShotRules != nil {
		copied.ShotRules = make([]ShotRule, len(p.ShotRules))
		for i, rule := range p.ShotRules {
			copied.ShotRules[i] = ShotRule{
				Name:     rule.Name,
				ImpactX:  rule.ImpactX.clone(),
				ImpactY:  rule.ImpactY.clone(),
				BatAngle: rule.BatAngle.clone(),
				BatSpeed: rule.BatSpeed.clone(),
			}
		}
	}
	if p.Tiers != nil {
		copied.Tiers = append([]TierThreshold(nil), p.Tiers...)
	}
	if p.Recommendations != nil {
		copied.Recommendations = make(map[QualityTier][]string, len(p.Recommendations))
		for tier, tips := range p.Recommendations {
			copied.Recommendations[tier] = append([]string(nil), tips...)
		}
	}
	if p.MetricTips != nil {
		copied.MetricTips = make(map[string]string, len(p.MetricTips))
		for metric, tip := range p.MetricTips {
			copied.MetricTips[metric] = tip
		}
	}
	return copied
}

// Validate checks that the table is well-formed
func (p Policy) Validate() error {
	if strings.TrimSpace(p.FallbackShot) == "" {
		return fmt.Errorf("fallback shot type is empty")
	}
	for i, rule := range p.ShotRules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("shot rule %d has no name", i)
		}
		for name, band := range map[string]*Band{"impact_x": rule.ImpactX, "impact_y": rule.ImpactY, "bat_angle": rule.BatAngle, "bat_speed": rule.BatSpeed} {
			if err := band.validate(); err != nil {
				return fmt.Errorf("shot rule '%s' %s: %w", rule.Name, name, err)
			}
		}
	}
	total := 0.0
	for i, w := range p.Weights.vector() {
		if w < 0 {
			return fmt.Errorf("weight of %s is negative", metricOrder[i])
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("quality weights sum to zero")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("at least one quality tier is required")
	}
	for i, tier := range p.Tiers {
		if tier.Tier == "" {
			return fmt.Errorf("quality tier %d has no name", i)
		}
		if tier.MinScore < 0 || tier.MinScore > 1 {
			return fmt.Errorf("quality tier '%s' min score %v out of [0, 1]", tier.Tier, tier.MinScore)
		}
		if i > 0 && tier.MinScore >= p.Tiers[i-1].MinScore {
			return fmt.Errorf("quality tiers must be ordered by decreasing min score, '%s' is not", tier.Tier)
		}
	}
	if p.SpeedWindow < 2 {
		return fmt.Errorf("speed window must be at least 2, got %d", p.SpeedWindow)
	}
	return nil
}

// tier returns tier for the score
func (p Policy) tier(score float64) QualityTier {
	for _, threshold := range p.Tiers {
		if score >= threshold.MinScore {
			return threshold.Tier
		}
	}
	return p.Tiers[len(p.Tiers)-1].Tier
}
