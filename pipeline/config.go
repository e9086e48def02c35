package pipeline

import (
	"fmt"

	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/events"
	"github.com/LdDl/balltrack/track"
	"github.com/LdDl/balltrack/verify"
	"github.com/pkg/errors"
)

// ErrConfigurationInvalid means session parameters are malformed. It is fatal and returned before any frame is processed.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// Config gathers parameters of every component of a session
type Config struct {
	Detector detect.Config
	Verifier verify.Config
	Tracker  track.Config
	Policy   events.Policy
	// Number of goroutines generating and verifying candidates ahead of the tracker. Default 4
	Workers int
	// Frames per second of the source video. Default 30
	FPS float64
}

// DefaultConfig returns default session parameters
func DefaultConfig() Config {
	return Config{
		Detector: detect.DefaultConfig(),
		Verifier: verify.DefaultConfig(),
		Tracker:  track.DefaultConfig(),
		Policy:   events.DefaultPolicy(),
		Workers:  4,
		FPS:      30,
	}
}

// Validate checks every component's parameters
func (cfg Config) Validate() error {
	if err := cfg.Detector.Validate(); err != nil {
		return errors.Wrapf(ErrConfigurationInvalid, "detector: %v", err)
	}
	if err := cfg.Verifier.Validate(); err != nil {
		return errors.Wrapf(ErrConfigurationInvalid, "verifier: %v", err)
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return errors.Wrapf(ErrConfigurationInvalid, "tracker: %v", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return errors.Wrapf(ErrConfigurationInvalid, "analyzer: %v", err)
	}
	if cfg.Workers < 1 {
		return errors.Wrapf(ErrConfigurationInvalid, "pipeline: %v", fmt.Errorf("workers must be at least 1, got %d", cfg.Workers))
	}
	if cfg.FPS < 0 {
		return errors.Wrapf(ErrConfigurationInvalid, "pipeline: %v", fmt.Errorf("fps must be non-negative, got %v", cfg.FPS))
	}
	return nil
}
