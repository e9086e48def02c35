// Package config loads session parameters from a file and BALLTRACK_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/events"
	"github.com/LdDl/balltrack/pipeline"
	"github.com/LdDl/balltrack/track"
	"github.com/LdDl/balltrack/verify"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// ErrConfigurationInvalid is returned for unreadable files and malformed values
var ErrConfigurationInvalid = pipeline.ErrConfigurationInvalid

// EnvPrefix prefixes environment overrides, e.g. BALLTRACK_TRACKER_MAX_CONSECUTIVE_MISSES
const EnvPrefix = "BALLTRACK"

type DetectorSection struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	TargetLabels        []string      `mapstructure:"target_labels"`
	Timeout             time.Duration `mapstructure:"timeout"`
	NMSIoU              float64       `mapstructure:"nms_iou"`
	// Inference endpoint of HTTPDetector
	URL string `mapstructure:"url"`
	// Replay file of ReplayDetector, takes precedence over URL
	Replay string `mapstructure:"replay"`
	// Directory for YOLO label artifacts, empty disables them
	LabelsDir string `mapstructure:"labels_dir"`
}

type VerifierSection struct {
	// native or opencv
	Backend              string            `mapstructure:"backend"`
	MinArea              float64           `mapstructure:"min_area"`
	MaxArea              float64           `mapstructure:"max_area"`
	ColorThreshold       float64           `mapstructure:"color_threshold"`
	RedHues              []verify.HueRange `mapstructure:"red_hues"`
	RedMinSaturation     float64           `mapstructure:"red_min_saturation"`
	RedMinValue          float64           `mapstructure:"red_min_value"`
	WhiteMaxSaturation   float64           `mapstructure:"white_max_saturation"`
	WhiteMinValue        float64           `mapstructure:"white_min_value"`
	BlurSigma            float64           `mapstructure:"blur_sigma"`
	MinRadius            int               `mapstructure:"min_radius"`
	MaxRadius            int               `mapstructure:"max_radius"`
	EdgeThreshold        float64           `mapstructure:"edge_threshold"`
	AccumulatorThreshold float64           `mapstructure:"accumulator_threshold"`
	MinCircularity       float64           `mapstructure:"min_circularity"`
	MinCenterDistance    float64           `mapstructure:"min_center_distance"`
}

type TrackerSection struct {
	GatingRadius          float64 `mapstructure:"gating_radius"`
	AcquisitionRadius     float64 `mapstructure:"acquisition_radius"`
	GatingGrowthPerMiss   float64 `mapstructure:"gating_growth_per_miss"`
	MaxConsecutiveMisses  int     `mapstructure:"max_consecutive_misses"`
	VelocitySmoothing     float64 `mapstructure:"velocity_smoothing"`
	PositionFilter        string  `mapstructure:"position_filter"`
	Matching              string  `mapstructure:"matching"`
	MaxActiveTrajectories int     `mapstructure:"max_active_trajectories"`
	MaxClosedTrajectories int     `mapstructure:"max_closed_trajectories"`
}

type AnalyzerSection struct {
	Policy events.Policy `mapstructure:"-"`
}

type PipelineSection struct {
	Workers int     `mapstructure:"workers"`
	FPS     float64 `mapstructure:"fps"`
}

type LogSection struct {
	// zerolog level name
	Level string `mapstructure:"level"`
	// console or json
	Format string `mapstructure:"format"`
}

// Config is the whole configuration file
type Config struct {
	Detector DetectorSection `mapstructure:"detector"`
	Verifier VerifierSection `mapstructure:"verifier"`
	Tracker  TrackerSection  `mapstructure:"tracker"`
	Analyzer AnalyzerSection `mapstructure:"analyzer"`
	Pipeline PipelineSection `mapstructure:"pipeline"`
	Log      LogSection      `mapstructure:"log"`
}

// Default returns configuration built from components' defaults
func Default() Config {
	d := pipeline.DefaultConfig()
	return Config{
		Detector: DetectorSection{
			ConfidenceThreshold: d.Detector.ConfidenceThreshold,
			TargetLabels:        d.Detector.TargetLabels,
			Timeout:             d.Detector.Timeout,
			NMSIoU:              d.Detector.NMSIoU,
		},
		Verifier: VerifierSection{
			Backend:              "native",
			MinArea:              d.Verifier.MinArea,
			MaxArea:              d.Verifier.MaxArea,
			ColorThreshold:       d.Verifier.ColorThreshold,
			RedHues:              d.Verifier.RedHues,
			RedMinSaturation:     d.Verifier.RedMinSaturation,
			RedMinValue:          d.Verifier.RedMinValue,
			WhiteMaxSaturation:   d.Verifier.WhiteMaxSaturation,
			WhiteMinValue:        d.Verifier.WhiteMinValue,
			BlurSigma:            d.Verifier.BlurSigma,
			MinRadius:            d.Verifier.MinRadius,
			MaxRadius:            d.Verifier.MaxRadius,
			EdgeThreshold:        d.Verifier.EdgeThreshold,
			AccumulatorThreshold: d.Verifier.AccumulatorThreshold,
			MinCircularity:       d.Verifier.MinCircularity,
			MinCenterDistance:    d.Verifier.MinCenterDistance,
		},
		Tracker: TrackerSection{
			GatingRadius:          d.Tracker.GatingRadius,
			AcquisitionRadius:     d.Tracker.AcquisitionRadius,
			GatingGrowthPerMiss:   d.Tracker.GatingGrowthPerMiss,
			MaxConsecutiveMisses:  d.Tracker.MaxConsecutiveMisses,
			VelocitySmoothing:     d.Tracker.VelocitySmoothing,
			PositionFilter:        d.Tracker.PositionFilter.String(),
			Matching:              d.Tracker.Matching.String(),
			MaxActiveTrajectories: d.Tracker.MaxActiveTrajectories,
			MaxClosedTrajectories: d.Tracker.MaxClosedTrajectories,
		},
		Analyzer: AnalyzerSection{
			Policy: d.Policy,
		},
		Pipeline: PipelineSection{
			Workers: d.Workers,
			FPS:     d.FPS,
		},
		Log: LogSection{
			Level:  "info",
			Format: "console",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("detector.confidence_threshold", d.Detector.ConfidenceThreshold)
	v.SetDefault("detector.target_labels", d.Detector.TargetLabels)
	v.SetDefault("detector.timeout", d.Detector.Timeout)
	v.SetDefault("detector.nms_iou", d.Detector.NMSIoU)
	v.SetDefault("detector.url", "")
	v.SetDefault("detector.replay", "")
	v.SetDefault("detector.labels_dir", "")

	v.SetDefault("verifier.backend", d.Verifier.Backend)
	v.SetDefault("verifier.min_area", d.Verifier.MinArea)
	v.SetDefault("verifier.max_area", d.Verifier.MaxArea)
	v.SetDefault("verifier.color_threshold", d.Verifier.ColorThreshold)
	v.SetDefault("verifier.red_min_saturation", d.Verifier.RedMinSaturation)
	v.SetDefault("verifier.red_min_value", d.Verifier.RedMinValue)
	v.SetDefault("verifier.white_max_saturation", d.Verifier.WhiteMaxSaturation)
	v.SetDefault("verifier.white_min_value", d.Verifier.WhiteMinValue)
	v.SetDefault("verifier.blur_sigma", d.Verifier.BlurSigma)
	v.SetDefault("verifier.min_radius", d.Verifier.MinRadius)
	v.SetDefault("verifier.max_radius", d.Verifier.MaxRadius)
	v.SetDefault("verifier.edge_threshold", d.Verifier.EdgeThreshold)
	v.SetDefault("verifier.accumulator_threshold", d.Verifier.AccumulatorThreshold)
	v.SetDefault("verifier.min_circularity", d.Verifier.MinCircularity)
	v.SetDefault("verifier.min_center_distance", d.Verifier.MinCenterDistance)

	v.SetDefault("tracker.gating_radius", d.Tracker.GatingRadius)
	v.SetDefault("tracker.acquisition_radius", d.Tracker.AcquisitionRadius)
	v.SetDefault("tracker.gating_growth_per_miss", d.Tracker.GatingGrowthPerMiss)
	v.SetDefault("tracker.max_consecutive_misses", d.Tracker.MaxConsecutiveMisses)
	v.SetDefault("tracker.velocity_smoothing", d.Tracker.VelocitySmoothing)
	v.SetDefault("tracker.position_filter", d.Tracker.PositionFilter)
	v.SetDefault("tracker.matching", d.Tracker.Matching)
	v.SetDefault("tracker.max_active_trajectories", d.Tracker.MaxActiveTrajectories)
	v.SetDefault("tracker.max_closed_trajectories", d.Tracker.MaxClosedTrajectories)

	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.fps", d.Pipeline.FPS)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads configuration from the OS file system. Empty path means defaults plus environment.
func Load(path string) (Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs reads configuration file from fs. Format is chosen by file extension (yaml, json, toml).
func LoadFs(fs afero.Fs, path string) (Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(ErrConfigurationInvalid, "can't read '%s': %v", path, err)
		}
	}

	cfg := Default()
	// Slices are replaced, not merged, when present in the file
	cfg.Verifier.RedHues = nil
	cfg.Detector.TargetLabels = nil
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrapf(ErrConfigurationInvalid, "can't decode: %v", err)
	}
	if !v.IsSet("verifier.red_hues") {
		cfg.Verifier.RedHues = verify.DefaultConfig().RedHues
	}
	policy, err := loadPolicy(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Analyzer.Policy = policy

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadPolicy starts from the default policy and replaces every top-level field found under analyzer.policy
func loadPolicy(v *viper.Viper) (events.Policy, error) {
	policy := events.DefaultPolicy()
	fields := []struct {
		key    string
		decode func(key string) error
	}{
		{"shot_rules", func(key string) error {
			var rules []events.ShotRule
			err := v.UnmarshalKey(key, &rules)
			policy.ShotRules = rules
			return err
		}},
		{"fallback_shot", func(key string) error {
			policy.FallbackShot = v.GetString(key)
			return nil
		}},
		{"weights", func(key string) error {
			return v.UnmarshalKey(key, &policy.Weights)
		}},
		{"tiers", func(key string) error {
			var tiers []events.TierThreshold
			err := v.UnmarshalKey(key, &tiers)
			policy.Tiers = tiers
			return err
		}},
		{"recommendations", func(key string) error {
			recommendations := make(map[events.QualityTier][]string)
			err := v.UnmarshalKey(key, &recommendations)
			policy.Recommendations = recommendations
			return err
		}},
		{"metric_tips", func(key string) error {
			tips := make(map[string]string)
			err := v.UnmarshalKey(key, &tips)
			policy.MetricTips = tips
			return err
		}},
		{"speed_window", func(key string) error {
			policy.SpeedWindow = v.GetInt(key)
			return nil
		}},
	}
	for _, field := range fields {
		key := "analyzer.policy." + field.key
		if !v.IsSet(key) {
			continue
		}
		if err := field.decode(key); err != nil {
			return policy, errors.Wrapf(ErrConfigurationInvalid, "can't decode %s: %v", key, err)
		}
	}
	return policy, nil
}

// Validate checks every section
func (cfg Config) Validate() error {
	if _, err := cfg.PipelineConfig(); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Verifier.Backend) {
	case "", "native", "opencv":
	default:
		return errors.Wrapf(ErrConfigurationInvalid, "verifier: unknown backend %q", cfg.Verifier.Backend)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "console", "json":
	default:
		return errors.Wrapf(ErrConfigurationInvalid, "log: unknown format %q", cfg.Log.Format)
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return errors.Wrapf(ErrConfigurationInvalid, "log: %v", err)
	}
	return nil
}

// DetectorConfig converts the detector section
func (cfg Config) DetectorConfig() detect.Config {
	return detect.Config{
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		TargetLabels:        cfg.Detector.TargetLabels,
		Timeout:             cfg.Detector.Timeout,
		NMSIoU:              cfg.Detector.NMSIoU,
	}
}

// VerifierConfig converts the verifier section
func (cfg Config) VerifierConfig() verify.Config {
	return verify.Config{
		MinArea:              cfg.Verifier.MinArea,
		MaxArea:              cfg.Verifier.MaxArea,
		ColorThreshold:       cfg.Verifier.ColorThreshold,
		RedHues:              cfg.Verifier.RedHues,
		RedMinSaturation:     cfg.Verifier.RedMinSaturation,
		RedMinValue:          cfg.Verifier.RedMinValue,
		WhiteMaxSaturation:   cfg.Verifier.WhiteMaxSaturation,
		WhiteMinValue:        cfg.Verifier.WhiteMinValue,
		BlurSigma:            cfg.Verifier.BlurSigma,
		MinRadius:            cfg.Verifier.MinRadius,
		MaxRadius:            cfg.Verifier.MaxRadius,
		EdgeThreshold:        cfg.Verifier.EdgeThreshold,
		AccumulatorThreshold: cfg.Verifier.AccumulatorThreshold,
		MinCircularity:       cfg.Verifier.MinCircularity,
		MinCenterDistance:    cfg.Verifier.MinCenterDistance,
	}
}

// TrackerConfig converts the tracker section
func (cfg Config) TrackerConfig() (track.Config, error) {
	filter, err := track.ParsePositionFilter(cfg.Tracker.PositionFilter)
	if err != nil {
		return track.Config{}, errors.Wrapf(ErrConfigurationInvalid, "tracker: %v", err)
	}
	matching, err := track.ParseMatchingAlgorithm(cfg.Tracker.Matching)
	if err != nil {
		return track.Config{}, errors.Wrapf(ErrConfigurationInvalid, "tracker: %v", err)
	}
	return track.Config{
		GatingRadius:          cfg.Tracker.GatingRadius,
		AcquisitionRadius:     cfg.Tracker.AcquisitionRadius,
		GatingGrowthPerMiss:   cfg.Tracker.GatingGrowthPerMiss,
		MaxConsecutiveMisses:  cfg.Tracker.MaxConsecutiveMisses,
		VelocitySmoothing:     cfg.Tracker.VelocitySmoothing,
		PositionFilter:        filter,
		Matching:              matching,
		MaxActiveTrajectories: cfg.Tracker.MaxActiveTrajectories,
		MaxClosedTrajectories: cfg.Tracker.MaxClosedTrajectories,
	}, nil
}

// PipelineConfig converts every section into session parameters and validates them
func (cfg Config) PipelineConfig() (pipeline.Config, error) {
	trackerCfg, err := cfg.TrackerConfig()
	if err != nil {
		return pipeline.Config{}, err
	}
	sessionCfg := pipeline.Config{
		Detector: cfg.DetectorConfig(),
		Verifier: cfg.VerifierConfig(),
		Tracker:  trackerCfg,
		Policy:   cfg.Analyzer.Policy,
		Workers:  cfg.Pipeline.Workers,
		FPS:      cfg.Pipeline.FPS,
	}
	if err := sessionCfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return sessionCfg, nil
}
