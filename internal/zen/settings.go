package zen

import (
	"fmt"
	"math"

	"zen-engine/internal/indicator"
)

// Settings configures one Engine.
type Settings struct {
	Policy BiPolicy `yaml:"-" json:"bi_policy"`

	// StrokePowerThreshold enables the power shortcut for stroke
	// confirmation when above 0.5: a candidate whose price span exceeds
	// benchmark*threshold is accepted regardless of length.
	StrokePowerThreshold float64 `yaml:"stroke_power_threshold" json:"stroke_power_threshold"`

	// MaxRetainedStrokes caps the confirmed stroke list. It must be at least
	// MinRetainedStrokes so the largest window and the window preceding it
	// both stay in view.
	MaxRetainedStrokes int `yaml:"max_retained_strokes" json:"max_retained_strokes"`

	MACDFast   int `yaml:"macd_fast" json:"macd_fast"`
	MACDSlow   int `yaml:"macd_slow" json:"macd_slow"`
	MACDSignal int `yaml:"macd_signal" json:"macd_signal"`
}

// MinRetainedStrokes is the smallest accepted MaxRetainedStrokes: a 9-stroke
// window at the newest end plus the 9-stroke window that ends with its
// entering stroke.
const MinRetainedStrokes = 17

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Policy:             PolicyLegacy,
		MaxRetainedStrokes: 50,
		MACDFast:           indicator.DefaultMACDFast,
		MACDSlow:           indicator.DefaultMACDSlow,
		MACDSignal:         indicator.DefaultMACDSignal,
	}
}

// Validate reports configuration errors. Engines refuse to start with
// invalid settings.
func (s Settings) Validate() error {
	if s.Policy < PolicyLegacy || s.Policy > PolicyModern {
		return fmt.Errorf("%w: bi policy %d", ErrInvalidSettings, s.Policy)
	}
	if math.IsNaN(s.StrokePowerThreshold) || math.IsInf(s.StrokePowerThreshold, 0) || s.StrokePowerThreshold < 0 {
		return fmt.Errorf("%w: stroke power threshold %v", ErrInvalidSettings, s.StrokePowerThreshold)
	}
	if s.MaxRetainedStrokes < MinRetainedStrokes {
		return fmt.Errorf("%w: max retained strokes %d (need >= %d)", ErrInvalidSettings, s.MaxRetainedStrokes, MinRetainedStrokes)
	}
	if s.MACDFast < 1 || s.MACDSlow < 1 || s.MACDSignal < 1 {
		return fmt.Errorf("%w: macd periods %d/%d/%d", ErrInvalidSettings, s.MACDFast, s.MACDSlow, s.MACDSignal)
	}
	if s.MACDFast >= s.MACDSlow {
		return fmt.Errorf("%w: macd fast period %d must be below slow %d", ErrInvalidSettings, s.MACDFast, s.MACDSlow)
	}
	return nil
}

func (s Settings) powerShortcut() bool { return s.StrokePowerThreshold > 0.5 }
