package verify

import (
	"fmt"
)

// HueRange is an inclusive hue interval in degrees within [0, 360]
type HueRange struct {
	Min float64 `json:"min" mapstructure:"min"`
	Max float64 `json:"max" mapstructure:"max"`
}

// Contains reports whether hue lies in the interval
func (r HueRange) Contains(hue float64) bool {
	return hue >= r.Min && hue <= r.Max
}

// Config holds verification thresholds
type Config struct {
	// Accepted bbox area in square pixels. Defaults 25 and 10000
	MinArea float64
	MaxArea float64

	// Min fraction of red or white pixels in the crop. Default 0.05
	ColorThreshold float64
	// Red band straddles hue 0, so it is made of several ranges. Default [0, 20] and [340, 360]
	RedHues          []HueRange
	RedMinSaturation float64
	RedMinValue      float64
	// White band is low saturation with high value
	WhiteMaxSaturation float64
	WhiteMinValue      float64

	// Gaussian blur applied to the grayscale crop before circle search. Default 1.5
	BlurSigma float64
	// Circle radius search range in pixels. Defaults 3 and 60
	MinRadius int
	MaxRadius int
	// Min gradient magnitude of an edge pixel (Sobel on 0..255 intensities). Default 40
	EdgeThreshold float64
	// Min Hough votes as a fraction of the circumference length. Default 0.35
	AccumulatorThreshold float64
	// Min fraction of rays from the center that meet a radial edge at the circle's radius. Default 0.75
	MinCircularity float64
	// Min distance between centers of two reported circles. Default 8
	MinCenterDistance float64
}

// DefaultConfig returns default verification thresholds
func DefaultConfig() Config {
	return Config{
		MinArea:              25,
		MaxArea:              10000,
		ColorThreshold:       0.05,
		RedHues:              []HueRange{{Min: 0, Max: 20}, {Min: 340, Max: 360}},
		RedMinSaturation:     0.4,
		RedMinValue:          0.4,
		WhiteMaxSaturation:   0.12,
		WhiteMinValue:        0.78,
		BlurSigma:            1.5,
		MinRadius:            3,
		MaxRadius:            60,
		EdgeThreshold:        40,
		AccumulatorThreshold: 0.35,
		MinCircularity:       0.75,
		MinCenterDistance:    8,
	}
}

// Validate checks that thresholds are consistent
func (cfg Config) Validate() error {
	if cfg.MinArea < 0 || cfg.MaxArea <= 0 || cfg.MinArea > cfg.MaxArea {
		return fmt.Errorf("area range [%v, %v] is invalid", cfg.MinArea, cfg.MaxArea)
	}
	if cfg.ColorThreshold < 0 || cfg.ColorThreshold > 1 {
		return fmt.Errorf("color threshold must be in [0, 1], got %v", cfg.ColorThreshold)
	}
	if len(cfg.RedHues) == 0 {
		return fmt.Errorf("at least one red hue range is required")
	}
	for i, r := range cfg.RedHues {
		if r.Min < 0 || r.Max > 360 || r.Min > r.Max {
			return fmt.Errorf("red hue range %d [%v, %v] is invalid", i, r.Min, r.Max)
		}
	}
	for name, v := range map[string]float64{
		"red min saturation":   cfg.RedMinSaturation,
		"red min value":        cfg.RedMinValue,
		"white max saturation": cfg.WhiteMaxSaturation,
		"white min value":      cfg.WhiteMinValue,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
		}
	}
	if cfg.BlurSigma < 0 {
		return fmt.Errorf("blur sigma must be non-negative, got %v", cfg.BlurSigma)
	}
	if cfg.MinRadius < 1 || cfg.MaxRadius < cfg.MinRadius {
		return fmt.Errorf("radius range [%d, %d] is invalid", cfg.MinRadius, cfg.MaxRadius)
	}
	if cfg.EdgeThreshold <= 0 {
		return fmt.Errorf("edge threshold must be positive, got %v", cfg.EdgeThreshold)
	}
	if cfg.AccumulatorThreshold <= 0 || cfg.AccumulatorThreshold > 1 {
		return fmt.Errorf("accumulator threshold must be in (0, 1], got %v", cfg.AccumulatorThreshold)
	}
	if cfg.MinCircularity <= 0 || cfg.MinCircularity > 1 {
		return fmt.Errorf("min circularity must be in (0, 1], got %v", cfg.MinCircularity)
	}
	if cfg.MinCenterDistance < 0 {
		return fmt.Errorf("min center distance must be non-negative, got %v", cfg.MinCenterDistance)
	}
	return nil
}

// CircleParams returns parameters of the circle transform
func (cfg Config) CircleParams() CircleParams {
	return CircleParams{
		BlurSigma:            cfg.BlurSigma,
		MinRadius:            cfg.MinRadius,
		MaxRadius:            cfg.MaxRadius,
		EdgeThreshold:        cfg.EdgeThreshold,
		AccumulatorThreshold: cfg.AccumulatorThreshold,
		MinCircularity:       cfg.MinCircularity,
		MinCenterDistance:    cfg.MinCenterDistance,
	}
}
